package cloud

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dutkit/dutkit/pkg/device"
)

// Device is the cloud's record of a device.
type Device struct {
	ID                int64  `json:"id"`
	UUID              string `json:"uuid"`
	DeviceName        string `json:"device_name"`
	IPAddress         string `json:"ip_address"`
	SupervisorVersion string `json:"supervisor_version"`
	OSVersion         string `json:"os_version"`
	IsOnline          bool   `json:"is_online"`
}

// Addresses splits the space separated ip_address field.
func (d Device) Addresses() []string {
	return strings.Fields(d.IPAddress)
}

const deviceFields = "id,uuid,device_name,ip_address,supervisor_version,os_version,is_online"

// Device fetches a device by UUID.
func (c *Client) Device(ctx context.Context, uuid string) (Device, error) {
	var devices []Device
	err := c.query(ctx, "device", "device", odata{
		filter:  "uuid eq " + quote(uuid),
		selects: deviceFields,
	}, &devices)
	if err != nil {
		return Device{}, err
	}
	if len(devices) == 0 {
		return Device{}, ErrDeviceNotFound
	}
	return devices[0], nil
}

// SupervisorVersion returns the supervisor version the device last
// reported.
func (c *Client) SupervisorVersion(ctx context.Context, uuid string) (string, error) {
	d, err := c.Device(ctx, uuid)
	if err != nil {
		return "", err
	}
	return d.SupervisorVersion, nil
}

// DeviceAddresses returns the addresses the device last reported.
func (c *Client) DeviceAddresses(ctx context.Context, uuid string) ([]string, error) {
	d, err := c.Device(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return d.Addresses(), nil
}

// imageInstall is one element of the image_install expansion.
type imageInstall struct {
	ID               int64     `json:"id"`
	Status           string    `json:"status"`
	DownloadProgress *int      `json:"download_progress"`
	InstallDate      time.Time `json:"install_date"`
	Image            []struct {
		ID      int64 `json:"id"`
		Service []struct {
			Name string `json:"service_name"`
		} `json:"is_a_build_of__service"`
	} `json:"installs__image"`
	Release []struct {
		ID     int64  `json:"id"`
		Commit string `json:"commit"`
	} `json:"is_provided_by__release"`
}

func (ii imageInstall) serviceName() string {
	if len(ii.Image) == 0 || len(ii.Image[0].Service) == 0 {
		return ""
	}
	return ii.Image[0].Service[0].Name
}

const serviceExpand = "image_install(" +
	"$select=id,download_progress,status,install_date;" +
	"$filter=status ne 'deleted';" +
	"$expand=installs__image($select=id;$expand=is_a_build_of__service($select=service_name))," +
	"is_provided_by__release($select=id,commit))"

// ServiceDetails returns the device's service installs keyed by service
// name, newest install first. Every call reads fresh state.
func (c *Client) ServiceDetails(ctx context.Context, uuid string) (device.ServiceSnapshot, error) {
	var devices []struct {
		ID           int64          `json:"id"`
		UUID         string         `json:"uuid"`
		ImageInstall []imageInstall `json:"image_install"`
	}
	err := c.query(ctx, "service-details", "device", odata{
		filter:  "uuid eq " + quote(uuid),
		selects: "id,uuid",
		expand:  serviceExpand,
	}, &devices)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrDeviceNotFound
	}

	installs := devices[0].ImageInstall
	sort.SliceStable(installs, func(i, j int) bool {
		if installs[i].InstallDate.Equal(installs[j].InstallDate) {
			return installs[i].ID > installs[j].ID
		}
		return installs[i].InstallDate.After(installs[j].InstallDate)
	})

	snapshot := device.ServiceSnapshot{}
	for _, ii := range installs {
		name := ii.serviceName()
		if name == "" {
			continue
		}
		inst := device.ServiceInstance{
			Status:           device.ServiceStatus(ii.Status),
			DownloadProgress: ii.DownloadProgress,
			CreatedAt:        ii.InstallDate,
		}
		if len(ii.Release) > 0 {
			inst.Commit = ii.Release[0].Commit
			inst.ReleaseID = ii.Release[0].ID
		}
		snapshot[name] = append(snapshot[name], inst)
	}
	return snapshot, nil
}
