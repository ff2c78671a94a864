package api

import (
	"net/http"
	"slices"

	"github.com/seantiz/foundry/internal/engine"
	"github.com/seantiz/foundry/internal/model"
	"github.com/seantiz/foundry/internal/suite"
)

// Catalog is the fixed set of devices wired to the fixture.
type Catalog struct {
	devices []*model.Device
	byUID   map[string]*model.Device
}

// NewCatalog indexes devices by uid. Devices are listed in slot order.
func NewCatalog(devices []*model.Device) *Catalog {
	c := &Catalog{
		devices: slices.Clone(devices),
		byUID:   make(map[string]*model.Device, len(devices)),
	}
	slices.SortStableFunc(c.devices, func(a, b *model.Device) int {
		return a.Slot - b.Slot
	})
	for _, d := range c.devices {
		c.byUID[d.UID] = d
	}
	return c
}

// Device returns the device with uid.
func (c *Catalog) Device(uid string) (*model.Device, bool) {
	d, ok := c.byUID[uid]
	return d, ok
}

// Infos returns a snapshot of every device.
func (c *Catalog) Infos() []model.DeviceInfo {
	out := make([]model.DeviceInfo, len(c.devices))
	for i, d := range c.devices {
		out[i] = d.Info()
	}
	return out
}

// UIDs returns every device uid in slot order.
func (c *Catalog) UIDs() []string {
	out := make([]string, len(c.devices))
	for i, d := range c.devices {
		out[i] = d.UID
	}
	return out
}

type listSuitesResponse struct {
	Suites []suite.Info `json:"suites"`
}

func (s *Server) handleListSuites(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listSuitesResponse{Suites: s.suites.List()})
}

type listDevicesResponse struct {
	Devices []model.DeviceInfo `json:"devices"`
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listDevicesResponse{Devices: s.devices.Infos()})
}

type listResourcesResponse struct {
	Resources []engine.ResourceInfo `json:"resources"`
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, listResourcesResponse{Resources: s.engine.Locks().List()})
}
