package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/kariy/katana-hypervisor/internal/instance"
	"github.com/kariy/katana-hypervisor/internal/lifecycle"
)

// createInstanceRequest is the create body. Memory and storage are raw
// numbers only (memory_mb in megabytes, storage_bytes in bytes); the
// body does not accept resource strings such as "1G" or "512M". The CLI
// converts those to numbers before sending.
type createInstanceRequest struct {
	Name         string   `json:"name"`
	VCPUs        int      `json:"vcpus,omitempty"`
	MemoryMB     int64    `json:"memory_mb,omitempty"`
	StorageBytes int64    `json:"storage_bytes,omitempty"`
	RPCPort      int      `json:"rpc_port,omitempty"`
	TEEMode      bool     `json:"tee_mode,omitempty"`
	KernelPath   string   `json:"kernel_path"`
	InitrdPath   string   `json:"initrd_path"`
	OVMFPath     string   `json:"ovmf_path,omitempty"`
	KatanaArgs   []string `json:"katana_args,omitempty"`
}

// instanceView is the wire projection of an instance.
type instanceView struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Status              string   `json:"status"`
	Error               string   `json:"error,omitempty"`
	VCPUs               int      `json:"vcpus"`
	MemoryMB            int64    `json:"memory_mb"`
	StorageBytes        int64    `json:"storage_bytes"`
	RPCPort             int      `json:"rpc_port"`
	TEEMode             bool     `json:"tee_mode"`
	ExpectedMeasurement string   `json:"expected_measurement,omitempty"`
	KatanaArgs          []string `json:"katana_args,omitempty"`
	VMPid               *int     `json:"vm_pid"`
	QMPSocket           string   `json:"qmp_socket,omitempty"`
	SerialLog           string   `json:"serial_log,omitempty"`
	CreatedAt           int64    `json:"created_at"`
	UpdatedAt           int64    `json:"updated_at"`
}

func viewOf(st *instance.State) instanceView {
	v := instanceView{
		ID:                  st.ID,
		Name:                st.Name,
		Status:              st.Status.Kind,
		Error:               st.Status.Error,
		VCPUs:               st.Config.VCPUs,
		MemoryMB:            st.Config.MemoryMB,
		StorageBytes:        st.Config.StorageBytes,
		RPCPort:             st.Config.RPCPort,
		TEEMode:             st.Config.TEEMode,
		ExpectedMeasurement: st.Config.ExpectedMeasurement,
		KatanaArgs:          st.Config.KatanaArgs,
		QMPSocket:           st.QMPSocket,
		SerialLog:           st.SerialLog,
		CreatedAt:           st.CreatedAt,
		UpdatedAt:           st.UpdatedAt,
	}
	if st.VMPid != 0 {
		pid := st.VMPid
		v.VMPid = &pid
	}
	return v
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &lifecycle.ValidationError{Msg: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	st, err := s.lifecycle.Create(lifecycle.CreateRequest{
		Name:         req.Name,
		VCPUs:        req.VCPUs,
		MemoryMB:     req.MemoryMB,
		StorageBytes: req.StorageBytes,
		RPCPort:      req.RPCPort,
		TEEMode:      req.TEEMode,
		KernelPath:   req.KernelPath,
		InitrdPath:   req.InitrdPath,
		OVMFPath:     req.OVMFPath,
		KatanaArgs:   req.KatanaArgs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(st))
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.lifecycle.List()
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]instanceView, 0, len(instances))
	for _, st := range instances {
		views = append(views, viewOf(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": views,
		"total":     len(views),
	})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	st, err := s.lifecycle.Get(pathParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.Start(pathParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	timeout := 0
	if v := r.URL.Query().Get("timeout"); v != "" {
		timeout, _ = strconv.Atoi(v)
	}
	if err := s.lifecycle.Stop(pathParam(r, "name"), timeout); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	if err := s.lifecycle.Delete(pathParam(r, "name"), force); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInstanceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.lifecycle.GetStats(pathParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAttestInstance(w http.ResponseWriter, r *http.Request) {
	result, err := s.lifecycle.Attest(r.Context(), pathParam(r, "name"), s.verifier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleMonitorOp adapts a coordinator monitor passthrough into a
// handler returning 204 on success.
func (s *Server) handleMonitorOp(op func(name string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(pathParam(r, "name")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
