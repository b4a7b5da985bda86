package handlers

import (
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/ereuse/workbench-server/pkg/deliver"
	"github.com/ereuse/workbench-server/pkg/snapshot"
	"github.com/ereuse/workbench-server/pkg/usbreg"
)

// Info serves the dashboard poll endpoint. DeviceHub clients also announce
// themselves here, piggybacking the backend target on their first poll.
type Info struct {
	Store     *snapshot.Store
	USBs      *usbreg.Registry
	Submitter *deliver.Submitter
	Conn      *deliver.Connection
	Log       *zap.Logger
}

// Get returns the live state: every record with its control fields, the
// plugged pen drives and the delivery attempt count. When the request names
// a DeviceHub (query params devicehub/device-hub and db, plus the
// Authorization header) the connection settings are updated first, so the
// announcement takes effect before the response is built.
func (h *Info) Get(w http.ResponseWriter, r *http.Request) {
	base := r.URL.Query().Get("devicehub")
	if base == "" {
		base = r.URL.Query().Get("device-hub")
	}
	if base != "" {
		db := r.URL.Query().Get("db")
		auth := r.Header.Get("Authorization")
		if err := h.Conn.Set(base, db, auth); err != nil {
			h.Log.Warn("reject devicehub announcement",
				zap.String("devicehub", base), zap.Error(err))
		} else {
			h.Log.Info("devicehub announced",
				zap.String("devicehub", base), zap.String("db", db))
		}
	}

	resp := map[string]any{
		"snapshots": h.Store.ListAnnotated(),
		"usbs":      h.USBs.List(),
		"attempts":  h.Submitter.Attempts(),
	}
	if ip := localIP(); ip != "" {
		resp["ip"] = ip
	}
	writeJSON(w, http.StatusOK, resp)
}

// localIP returns the address of the interface with a default route, or ""
// when the machine is offline. No packet is sent: UDP connect only resolves
// the route.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
