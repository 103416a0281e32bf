// Package registry tracks the port handles a tracking device has allocated
// and walks them through the provisioning pipeline: free stale handles,
// write tool definitions, initialize, enable.
package registry

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/banshee-data/capitrack/internal/capi"
	"github.com/banshee-data/capitrack/internal/monitoring"
)

// State is a handle's provisioning stage.
type State int

const (
	Free State = iota
	Occupied
	Initialized
	Enabled
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Occupied:
		return "occupied"
	case Initialized:
		return "initialized"
	case Enabled:
		return "enabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Device is one allocated port handle.
type Device struct {
	ID    int
	State State
}

// Commander issues one synchronous command and returns its reply frame.
// The tracker session implements this over its connection.
type Commander interface {
	Execute(cmd string) (*capi.Frame, error)
}

// handle-search scopes, per the PHSR reply option
const (
	searchAll           = "00"
	searchStale         = "01"
	searchUninitialized = "02"
	searchUnenabled     = "03"
)

// pvwrPageSize is the number of tool-definition bytes written per command.
const pvwrPageSize = 64

// Registry holds the known handles. It is not safe for concurrent use; the
// session serializes access through its command lock.
type Registry struct {
	dec     capi.Decoder
	devices map[int]*Device
}

func New(dec capi.Decoder) *Registry {
	return &Registry{dec: dec, devices: make(map[int]*Device)}
}

// Devices returns a snapshot of the known handles, ordered by ID.
func (r *Registry) Devices() []Device {
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enabled returns the handles currently in the Enabled state, ordered by ID.
func (r *Registry) Enabled() []Device {
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		if d.State == Enabled {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear forgets all known handles, e.g. after a device reset.
func (r *Registry) Clear() {
	r.devices = make(map[int]*Device)
}

func (r *Registry) search(c Commander, scope string) ([]capi.HandleSearchEntry, error) {
	cmd := "PHSR " + scope
	f, err := c.Execute(cmd)
	if err != nil {
		return nil, err
	}
	entries, reply, err := r.dec.PHSR(f, cmd)
	if err != nil {
		return nil, err
	}
	if reply.Status.IsError() {
		return nil, &capi.ProtocolError{Command: cmd, Status: reply.Status}
	}
	return entries, nil
}

func (r *Registry) simple(c Commander, cmd string) error {
	f, err := c.Execute(cmd)
	if err != nil {
		return err
	}
	reply, err := r.dec.OKAYWarn(f, cmd)
	if err != nil {
		return err
	}
	if reply.Status.IsError() {
		return &capi.ProtocolError{Command: cmd, Status: reply.Status}
	}
	if reply.Status.Kind == capi.StatusWarning {
		monitoring.Log().Warn().Str("command", cmd).Str("status", reply.Status.String()).
			Msg("device warning")
	}
	return nil
}

// FreeAll releases every handle the device reports as stale.
func (r *Registry) FreeAll(c Commander) error {
	entries, err := r.search(c, searchStale)
	if err != nil {
		return fmt.Errorf("search stale handles: %w", err)
	}
	for _, e := range entries {
		if err := r.simple(c, "PHF "+capi.HexByte(uint8(e.Handle))); err != nil {
			return fmt.Errorf("free handle %02X: %w", e.Handle, err)
		}
		delete(r.devices, e.Handle)
	}
	return nil
}

// InitializeAll initializes every handle the device reports as occupied but
// not yet initialized.
func (r *Registry) InitializeAll(c Commander) error {
	entries, err := r.search(c, searchUninitialized)
	if err != nil {
		return fmt.Errorf("search uninitialized handles: %w", err)
	}
	for _, e := range entries {
		if err := r.simple(c, "PINIT "+capi.HexByte(uint8(e.Handle))); err != nil {
			return fmt.Errorf("init handle %02X: %w", e.Handle, err)
		}
		r.put(e.Handle, Initialized)
	}
	return nil
}

// EnableAll enables every initialized handle for dynamic tracking.
func (r *Registry) EnableAll(c Commander) error {
	entries, err := r.search(c, searchUnenabled)
	if err != nil {
		return fmt.Errorf("search unenabled handles: %w", err)
	}
	for _, e := range entries {
		if err := r.simple(c, "PENA "+capi.HexByte(uint8(e.Handle))+"D"); err != nil {
			return fmt.Errorf("enable handle %02X: %w", e.Handle, err)
		}
		r.put(e.Handle, Enabled)
	}
	return nil
}

// Provision runs the full pipeline: free stale handles, then initialize and
// enable everything the device has allocated. Tool definitions must already
// be loaded.
func (r *Registry) Provision(c Commander) error {
	if err := r.FreeAll(c); err != nil {
		return err
	}
	if err := r.InitializeAll(c); err != nil {
		return err
	}
	return r.EnableAll(c)
}

// LoadWireless allocates a fresh port handle for a wireless tool and writes
// its definition file to it. Returns the allocated handle.
func (r *Registry) LoadWireless(c Commander, rom []byte) (int, error) {
	const cmd = "PHRQ *********1****"
	f, err := c.Execute(cmd)
	if err != nil {
		return 0, err
	}
	handle, reply, err := r.dec.PHRQ(f, "PHRQ")
	if err != nil {
		return 0, err
	}
	if reply.Status.IsError() {
		return 0, &capi.ProtocolError{Command: cmd, Status: reply.Status}
	}
	if err := r.WriteToolDefinition(c, handle, rom); err != nil {
		return 0, err
	}
	r.put(handle, Occupied)
	return handle, nil
}

// WriteToolDefinition uploads a tool definition to a handle in zero-padded
// 64-byte pages.
func (r *Registry) WriteToolDefinition(c Commander, handle int, rom []byte) error {
	if len(rom) == 0 {
		return &capi.UseError{Op: "PVWR", Reason: "empty tool definition"}
	}
	for addr := 0; addr < len(rom); addr += pvwrPageSize {
		page := make([]byte, pvwrPageSize)
		copy(page, rom[addr:])
		cmd := fmt.Sprintf("PVWR %s%s%s",
			capi.HexByte(uint8(handle)),
			capi.HexUint16(uint16(addr)),
			strings.ToUpper(hex.EncodeToString(page)))
		if err := r.simple(c, cmd); err != nil {
			return fmt.Errorf("write tool definition page %04X: %w", addr, err)
		}
	}
	monitoring.Log().Debug().Int("handle", handle).Int("bytes", len(rom)).
		Msg("tool definition loaded")
	return nil
}

// LoadWired provisions tools plugged into physical ports. Handles whose
// onboard memory fails to initialize fall back to a host-side definition
// from roms, keyed by handle.
func (r *Registry) LoadWired(c Commander, roms map[int][]byte) error {
	entries, err := r.search(c, searchUninitialized)
	if err != nil {
		return fmt.Errorf("search wired handles: %w", err)
	}
	for _, e := range entries {
		initErr := r.simple(c, "PINIT "+capi.HexByte(uint8(e.Handle)))
		if initErr == nil {
			r.put(e.Handle, Initialized)
			continue
		}
		// error 1E means the tool's onboard memory holds no usable
		// definition; retry with a host-side one if we have it
		var perr *capi.ProtocolError
		rom, have := roms[e.Handle]
		if !errors.As(initErr, &perr) || perr.Status.Code != "1E" || !have {
			return fmt.Errorf("init wired handle %02X: %w", e.Handle, initErr)
		}
		if err := r.WriteToolDefinition(c, e.Handle, rom); err != nil {
			return err
		}
		if err := r.simple(c, "PINIT "+capi.HexByte(uint8(e.Handle))); err != nil {
			return fmt.Errorf("init wired handle %02X after load: %w", e.Handle, err)
		}
		r.put(e.Handle, Initialized)
	}
	return nil
}

// Info fetches the handle-information text for one handle.
func (r *Registry) Info(c Commander, handle int) (string, error) {
	cmd := "PHINF " + capi.HexByte(uint8(handle)) + "0021"
	f, err := c.Execute(cmd)
	if err != nil {
		return "", err
	}
	info, reply, err := r.dec.PHINF(f, cmd)
	if err != nil {
		return "", err
	}
	if reply.Status.IsError() {
		return "", &capi.ProtocolError{Command: cmd, Status: reply.Status}
	}
	return info, nil
}

func (r *Registry) put(handle int, s State) {
	if d, ok := r.devices[handle]; ok {
		d.State = s
		return
	}
	r.devices[handle] = &Device{ID: handle, State: s}
}
