package expose

import (
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/benchctl/internal/auxiliary"
	"github.com/danmuck/benchctl/internal/can"
	"github.com/danmuck/benchctl/internal/dut"
	"github.com/danmuck/benchctl/internal/protocol"
	"github.com/danmuck/benchctl/internal/registry"
	"github.com/danmuck/benchctl/internal/uds"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type AuxInfo struct {
	Name    string        `json:"name"`
	ID      string        `json:"id"`
	Kind    string        `json:"kind"`
	State   string        `json:"state"`
	Queued  int           `json:"queued"`
	Pending []PendingInfo `json:"pending,omitempty"`
}

type PendingInfo struct {
	ID        uint64    `json:"id"`
	Command   string    `json:"command"`
	Attempts  int       `json:"attempts"`
	QueuedAt  time.Time `json:"queued_at"`
	LastError string    `json:"last_error,omitempty"`
}

type BindingInfo struct {
	Connector string            `json:"connector"`
	Proxy     string            `json:"proxy"`
	Channels  map[string]string `json:"channels"`
	AutoStart bool              `json:"auto_start"`
}

type CallbackInfo struct {
	Key      string `json:"key"`
	Name     string `json:"name,omitempty"`
	Request  string `json:"request"`
	Response string `json:"response"`
	Custom   bool   `json:"custom"`
}

func kindOf(a *auxiliary.Auxiliary) string {
	switch a.Handler().(type) {
	case *dut.Handler:
		return "dut"
	case *uds.Server:
		return "uds"
	case *can.Handler:
		return "can"
	default:
		return "proxy"
	}
}

func auxInfo(a *auxiliary.Auxiliary) AuxInfo {
	info := AuxInfo{
		Name:   a.Name(),
		ID:     a.ID(),
		Kind:   kindOf(a),
		State:  a.State().String(),
		Queued: a.QueueDepth(),
	}
	for _, p := range a.Pending() {
		info.Pending = append(info.Pending, PendingInfo{
			ID:        p.ID,
			Command:   p.Command,
			Attempts:  p.Attempts,
			QueuedAt:  p.QueuedAt,
			LastError: p.LastError,
		})
	}
	return info
}

func bindingInfos(binds []registry.Binding) []BindingInfo {
	out := make([]BindingInfo, 0, len(binds))
	for _, b := range binds {
		out = append(out, BindingInfo{Connector: b.Connector, Proxy: b.Proxy, Channels: b.Channels, AutoStart: b.AutoStart})
	}
	return out
}

func (s *Server) listAuxiliaries(c *gin.Context) {
	names := s.registry.Names()
	list := make([]AuxInfo, 0, len(names))
	for _, name := range names {
		if a, ok := s.registry.Get(name); ok {
			list = append(list, auxInfo(a))
		}
	}
	c.JSON(http.StatusOK, gin.H{"auxiliaries": list})
}

func (s *Server) getAuxiliary(c *gin.Context) {
	a, ok := s.aux(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, auxInfo(a))
}

// lifecycle returns the handler for one of start, stop, suspend,
// resume, reset or abort.
func (s *Server) lifecycle(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		a, ok := s.aux(c)
		if !ok {
			return
		}
		var err error
		switch action {
		case "start":
			err = s.registry.Start(a.Name())
		case "stop":
			err = a.Stop()
		case "suspend":
			err = a.Suspend()
		case "resume":
			err = a.Resume()
		case "reset":
			err = a.HardReset()
		case "abort":
			var acked bool
			acked, err = a.Abort()
			if err == nil && !acked {
				c.JSON(http.StatusGatewayTimeout, gin.H{"error": "abort not acknowledged", "state": a.State().String()})
				return
			}
		}
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, auxiliary.ErrInvalidTransition) || errors.Is(err, auxiliary.ErrAbortUnsupported) {
				status = http.StatusConflict
			}
			log.Warn().Str("aux", a.Name()).Str("action", action).Err(err).Msg("expose: lifecycle action failed")
			c.JSON(status, gin.H{"error": err.Error(), "state": a.State().String()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "state": a.State().String()})
	}
}

func (s *Server) ping(c *gin.Context) {
	a, ok := s.aux(c)
	if !ok {
		return
	}
	h, ok := a.Handler().(*dut.Handler)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ping needs a dut auxiliary"})
		return
	}
	msg := h.NewMessage(protocol.TypeCommand, protocol.SubPing, 0, 0)
	acked, err := a.RunCommand(auxiliary.MessageCommand(msg), s.cfg.CommandTimeout, 1)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"acked": acked, "message": msg.String()})
}

func (s *Server) nextReport(c *gin.Context) {
	a, ok := s.aux(c)
	if !ok {
		return
	}
	h, ok := a.Handler().(*dut.Handler)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reports need a dut auxiliary"})
		return
	}
	timeout := s.cfg.CommandTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		timeout = d
	}
	in, ok := h.ReceiveMessage(timeout)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	body := gin.H{"timestamp": in.Timestamp, "raw": in.Raw}
	if in.Message != nil {
		body["message"] = in.Message.String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) callbacks(c *gin.Context) {
	a, ok := s.aux(c)
	if !ok {
		return
	}
	srv, ok := a.Handler().(*uds.Server)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callbacks need a uds auxiliary"})
		return
	}
	all := srv.Callbacks()
	keys := srv.Keys()
	list := make([]CallbackInfo, 0, len(keys))
	for _, k := range keys {
		cb := all[k]
		list = append(list, CallbackInfo{
			Key:      k,
			Name:     cb.Name,
			Request:  uds.HexKey(cb.Request),
			Response: uds.HexKey(cb.Response),
			Custom:   cb.Handler != nil,
		})
	}
	c.JSON(http.StatusOK, gin.H{"callbacks": list})
}

func (s *Server) canHandler(c *gin.Context) (*can.Handler, bool) {
	a, ok := s.aux(c)
	if !ok {
		return nil, false
	}
	h, ok := a.Handler().(*can.Handler)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages need a can auxiliary"})
		return nil, false
	}
	return h, true
}

func (s *Server) lastMessage(c *gin.Context) {
	h, ok := s.canHandler(c)
	if !ok {
		return
	}
	name := c.Param("message")
	msg, ok := h.GetLastMessage(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no message received", "message": name})
		return
	}
	c.JSON(http.StatusOK, msg)
}

func (s *Server) sendMessage(c *gin.Context) {
	h, ok := s.canHandler(c)
	if !ok {
		return
	}
	var signals map[string]any
	if err := c.ShouldBindJSON(&signals); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.SendMessage(c.Param("message"), signals); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, can.ErrUnknownMessage) || errors.Is(err, can.ErrUnknownSignal) || errors.Is(err, can.ErrSignalRange) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}
