package cloud

import (
	"context"
	"fmt"
	"net/http"

	"github.com/dutkit/dutkit/pkg/telemetry"
)

// SetConfigVariable sets a device config variable, creating it or
// updating the existing value.
func (c *Client) SetConfigVariable(ctx context.Context, uuid, name, value string) error {
	d, err := c.Device(ctx, uuid)
	if err != nil {
		return err
	}

	err = c.doJSON(ctx, "create-config-var", http.MethodPost, "/v6/device_config_variable", map[string]interface{}{
		"device": d.ID,
		"name":   name,
		"value":  value,
	}, nil)
	if err == nil || !IsConflict(err) {
		return err
	}

	telemetry.FromContext(ctx).Zerolog().Debug().
		Str("device", uuid).
		Str("name", name).
		Msg("config variable exists, updating")

	q := odata{filter: fmt.Sprintf("device eq %d and name eq %s", d.ID, quote(name))}
	return c.doJSON(ctx, "update-config-var", http.MethodPatch, "/v6/device_config_variable?"+q.encode(),
		map[string]interface{}{"value": value}, nil)
}

// ConfigVariables returns the device's config variables by name.
func (c *Client) ConfigVariables(ctx context.Context, uuid string) (map[string]string, error) {
	d, err := c.Device(ctx, uuid)
	if err != nil {
		return nil, err
	}

	var vars []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	err = c.query(ctx, "config-vars", "device_config_variable", odata{
		filter:  fmt.Sprintf("device eq %d", d.ID),
		selects: "name,value",
	}, &vars)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(vars))
	for _, v := range vars {
		out[v.Name] = v.Value
	}
	return out, nil
}
