// Package lights controls TP-Link Kasa smart plugs and bulbs over the
// local network. The protocol is JSON obfuscated with an autokey XOR,
// length-prefixed over TCP and bare over UDP broadcast discovery.
package lights

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/trace"
)

const (
	kasaPort         = 9999
	xorInitialKey    = 171
	discoveryTimeout = 3 * time.Second
	commandTimeout   = 5 * time.Second
)

// Device is one discovered Kasa device.
type Device struct {
	Alias  string
	Addr   string
	Model  string
	IsBulb bool
}

// Agent discovers and commands devices, caching discovery results.
type Agent struct {
	// BroadcastAddr is overridable for tests.
	BroadcastAddr string

	mu      sync.Mutex
	devices map[string]Device // keyed by lowercase alias
}

// New creates an agent broadcasting on the local network.
func New() *Agent {
	return &Agent{
		BroadcastAddr: fmt.Sprintf("255.255.255.255:%d", kasaPort),
		devices:       make(map[string]Device),
	}
}

// Seed registers devices that do not answer broadcast discovery, such
// as ones on another subnet. Seeded entries are treated as plugs
// unless marked otherwise.
func (a *Agent) Seed(devices []Device) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, d := range devices {
		if d.Alias == "" || d.Addr == "" {
			continue
		}
		a.devices[strings.ToLower(d.Alias)] = d
	}
}

// Devices lists known device aliases, discovering first when the
// cache is empty.
func (a *Agent) Devices(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	cached := len(a.devices)
	a.mu.Unlock()

	if cached == 0 {
		if err := a.Discover(ctx); err != nil {
			return nil, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.devices))
	for _, d := range a.devices {
		names = append(names, d.Alias)
	}
	sort.Strings(names)
	return names, nil
}

// Discover broadcasts a sysinfo query and caches every reply.
func (a *Agent) Discover(ctx context.Context) error {
	log := trace.Logger(ctx)

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return apperrors.Wrap(err, apperrors.Device, "open discovery socket")
	}
	defer conn.Close()

	dest, err := net.ResolveUDPAddr("udp4", a.BroadcastAddr)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Device, "resolve broadcast address")
	}

	query := encrypt([]byte(`{"system":{"get_sysinfo":{}}}`))
	if _, err := conn.WriteTo(query, dest); err != nil {
		return apperrors.Wrap(err, apperrors.Device, "send discovery broadcast")
	}

	deadline := time.Now().Add(discoveryTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	found := map[string]Device{}
	buf := make([]byte, 4096)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			break // timeout ends discovery
		}
		dev, ok := parseSysinfo(decrypt(buf[:n]), addr.(*net.UDPAddr).IP.String())
		if !ok {
			continue
		}
		found[strings.ToLower(dev.Alias)] = dev
		log.Info("smart device found", "alias", dev.Alias, "model", dev.Model, "addr", dev.Addr)
	}

	a.mu.Lock()
	for k, v := range found {
		a.devices[k] = v
	}
	a.mu.Unlock()
	return nil
}

// Control switches a device, optionally adjusting bulb brightness and
// color. The result is phrased for the model to speak.
func (a *Agent) Control(ctx context.Context, name string, on bool, brightness int, color string) (string, error) {
	dev, err := a.find(ctx, name)
	if err != nil {
		return "", err
	}

	var payload map[string]any
	if dev.IsBulb {
		state := map[string]any{"on_off": boolInt(on)}
		if on {
			if brightness > 0 {
				state["brightness"] = clamp(brightness, 1, 100)
			}
			if color != "" {
				hue, sat, ok := colorHSV(color)
				if !ok {
					return "", apperrors.Newf(apperrors.Tool, "unknown color %q", color)
				}
				state["hue"] = hue
				state["saturation"] = sat
				state["color_temp"] = 0
			}
		}
		payload = map[string]any{
			"smartlife.iot.smartbulb.lightingservice": map[string]any{
				"transition_light_state": state,
			},
		}
	} else {
		payload = map[string]any{
			"system": map[string]any{
				"set_relay_state": map[string]any{"state": boolInt(on)},
			},
		}
	}

	if _, err := sendCommand(ctx, dev.Addr, payload); err != nil {
		return "", err
	}

	verb := "off"
	if on {
		verb = "on"
	}
	return fmt.Sprintf("Turned %s %s.", dev.Alias, verb), nil
}

// find matches a device by alias, case-insensitively, discovering
// when nothing is cached.
func (a *Agent) find(ctx context.Context, name string) (Device, error) {
	want := strings.ToLower(strings.TrimSpace(name))

	lookup := func() (Device, bool) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if dev, ok := a.devices[want]; ok {
			return dev, true
		}
		for alias, dev := range a.devices {
			if strings.Contains(alias, want) {
				return dev, true
			}
		}
		return Device{}, false
	}

	if dev, ok := lookup(); ok {
		return dev, nil
	}
	if err := a.Discover(ctx); err != nil {
		return Device{}, err
	}
	if dev, ok := lookup(); ok {
		return dev, nil
	}
	return Device{}, apperrors.Newf(apperrors.Device, "no device named %q", name)
}

// sendCommand round-trips one command over TCP with length framing.
func sendCommand(ctx context.Context, addr string, payload map[string]any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Tool, "encode command")
	}

	dialer := net.Dialer{Timeout: commandTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Device, "connect to device")
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(commandTimeout))

	if _, err := conn.Write(frame(body)); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Device, "send command")
	}

	var length uint32
	if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Device, "read response length")
	}
	if length > 1<<20 {
		return nil, apperrors.Newf(apperrors.Device, "oversized response (%d bytes)", length)
	}
	enc := make([]byte, length)
	if _, err := io.ReadFull(conn, enc); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Device, "read response")
	}

	var out map[string]any
	if err := json.Unmarshal(decrypt(enc), &out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Device, "decode response")
	}
	return out, nil
}

// frame prepends the big-endian length and encrypts the body.
func frame(body []byte) []byte {
	enc := encrypt(body)
	out := make([]byte, 4+len(enc))
	binary.BigEndian.PutUint32(out, uint32(len(enc)))
	copy(out[4:], enc)
	return out
}

// encrypt applies the Kasa autokey XOR.
func encrypt(plain []byte) []byte {
	out := make([]byte, len(plain))
	key := byte(xorInitialKey)
	for i, b := range plain {
		out[i] = key ^ b
		key = out[i]
	}
	return out
}

// decrypt reverses the autokey XOR.
func decrypt(enc []byte) []byte {
	out := make([]byte, len(enc))
	key := byte(xorInitialKey)
	for i, b := range enc {
		out[i] = key ^ b
		key = b
	}
	return out
}

// parseSysinfo extracts a Device from a sysinfo reply.
func parseSysinfo(raw []byte, ip string) (Device, bool) {
	var reply struct {
		System struct {
			GetSysinfo struct {
				Alias   string `json:"alias"`
				Model   string `json:"model"`
				MicType string `json:"mic_type"`
				Type    string `json:"type"`
			} `json:"get_sysinfo"`
		} `json:"system"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return Device{}, false
	}
	info := reply.System.GetSysinfo
	if info.Alias == "" {
		return Device{}, false
	}
	kind := info.MicType + info.Type
	return Device{
		Alias:  info.Alias,
		Addr:   fmt.Sprintf("%s:%d", ip, kasaPort),
		Model:  info.Model,
		IsBulb: strings.Contains(strings.ToLower(kind), "bulb"),
	}, true
}

// colorHSV maps common color names to Kasa hue/saturation pairs.
func colorHSV(color string) (hue, sat int, ok bool) {
	hues := map[string]int{
		"red": 0, "orange": 30, "yellow": 60, "green": 120,
		"cyan": 180, "blue": 240, "purple": 277, "pink": 300,
	}
	name := strings.ToLower(strings.TrimSpace(color))
	if name == "white" {
		return 0, 0, true
	}
	h, found := hues[name]
	if !found {
		return 0, 0, false
	}
	return h, 100, true
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
