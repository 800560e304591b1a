// Package printer discovers 3D printers over mDNS and drives print
// jobs through the OctoPrint and Moonraker HTTP APIs.
package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	apperrors "github.com/adalabs/ada/internal/errors"
	"github.com/adalabs/ada/internal/trace"
)

// Kind identifies the printer's API flavor.
type Kind string

const (
	KindOctoPrint Kind = "octoprint"
	KindMoonraker Kind = "moonraker"
)

const (
	browseTimeout = 4 * time.Second
	sliceTimeout  = 5 * time.Minute
)

// Printer is one reachable print server.
type Printer struct {
	Name    string
	Kind    Kind
	BaseURL string
	APIKey  string
}

// Agent discovers printers and manages jobs. Discovery results are
// cached between calls.
type Agent struct {
	// SlicerPath is the slicer binary; empty means STL files are
	// assumed pre-sliced G-code and uploaded as-is.
	SlicerPath string
	// APIKeys maps printer names to OctoPrint API keys.
	APIKeys map[string]string
	HTTP    *http.Client

	// browse is injectable for tests.
	browse func(ctx context.Context, service string) ([]Printer, error)

	mu       sync.Mutex
	printers map[string]Printer
}

// New creates an agent slicing with slicerPath.
func New(slicerPath string, apiKeys map[string]string) *Agent {
	a := &Agent{
		SlicerPath: slicerPath,
		APIKeys:    apiKeys,
		HTTP:       &http.Client{Timeout: 2 * time.Minute},
		printers:   make(map[string]Printer),
	}
	a.browse = a.browseMDNS
	return a
}

// AddManual registers a printer that mDNS cannot find. Manual entries
// persist across discovery refreshes.
func (a *Agent) AddManual(p Printer) {
	if p.Name == "" || p.BaseURL == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.printers[strings.ToLower(p.Name)] = p
}

// Discover scans for print servers and returns their names.
func (a *Agent) Discover(ctx context.Context) ([]string, error) {
	log := trace.Logger(ctx)

	found := map[string]Printer{}
	for service, kind := range map[string]Kind{
		"_octoprint._tcp": KindOctoPrint,
		"_moonraker._tcp": KindMoonraker,
	} {
		printers, err := a.browse(ctx, service)
		if err != nil {
			log.Warn("mdns browse failed", "service", service, "error", err)
			continue
		}
		for _, p := range printers {
			p.Kind = kind
			if key, ok := a.APIKeys[p.Name]; ok {
				p.APIKey = key
			}
			found[strings.ToLower(p.Name)] = p
			log.Info("printer found", "name", p.Name, "kind", kind, "url", p.BaseURL)
		}
	}

	a.mu.Lock()
	for k, v := range found {
		a.printers[k] = v
	}
	names := make([]string, 0, len(a.printers))
	for _, p := range a.printers {
		names = append(names, p.Name)
	}
	a.mu.Unlock()

	sort.Strings(names)
	return names, nil
}

// browseMDNS collects service entries for one mDNS service type.
func (a *Agent) browseMDNS(ctx context.Context, service string) ([]Printer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Device, "mdns resolver")
	}

	browseCtx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	var printers []Printer
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			printers = append(printers, Printer{
				Name:    entry.Instance,
				BaseURL: fmt.Sprintf("http://%s:%d", entry.AddrIPv4[0], entry.Port),
			})
		}
	}()

	if err := resolver.Browse(browseCtx, service, "local.", entries); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Device, "mdns browse")
	}
	<-browseCtx.Done()
	<-done
	return printers, nil
}

// PrintSTL slices a model and starts the print.
func (a *Agent) PrintSTL(ctx context.Context, stlPath, printerName string) (string, error) {
	printer, err := a.pick(ctx, printerName)
	if err != nil {
		return "", err
	}

	uploadPath := stlPath
	if a.SlicerPath != "" {
		uploadPath, err = a.slice(ctx, stlPath)
		if err != nil {
			return "", err
		}
	}

	switch printer.Kind {
	case KindOctoPrint:
		err = a.octoUpload(ctx, printer, uploadPath)
	case KindMoonraker:
		err = a.moonrakerUpload(ctx, printer, uploadPath)
	default:
		err = apperrors.Newf(apperrors.Tool, "unsupported printer kind %q", printer.Kind)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Started printing %s on %s.", filepath.Base(uploadPath), printer.Name), nil
}

// JobStatus reports the active job, phrased for the model to speak.
func (a *Agent) JobStatus(ctx context.Context, printerName string) (string, error) {
	printer, err := a.pick(ctx, printerName)
	if err != nil {
		return "", err
	}
	switch printer.Kind {
	case KindOctoPrint:
		return a.octoStatus(ctx, printer)
	case KindMoonraker:
		return a.moonrakerStatus(ctx, printer)
	default:
		return "", apperrors.Newf(apperrors.Tool, "unsupported printer kind %q", printer.Kind)
	}
}

// pick selects a printer by name, or the only one known. An empty
// cache triggers discovery.
func (a *Agent) pick(ctx context.Context, name string) (Printer, error) {
	a.mu.Lock()
	empty := len(a.printers) == 0
	a.mu.Unlock()
	if empty {
		if _, err := a.Discover(ctx); err != nil {
			return Printer{}, err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if name != "" {
		want := strings.ToLower(name)
		if p, ok := a.printers[want]; ok {
			return p, nil
		}
		for alias, p := range a.printers {
			if strings.Contains(alias, want) {
				return p, nil
			}
		}
		return Printer{}, apperrors.Newf(apperrors.Device, "no printer named %q", name)
	}

	if len(a.printers) == 1 {
		for _, p := range a.printers {
			return p, nil
		}
	}
	if len(a.printers) == 0 {
		return Printer{}, apperrors.New(apperrors.Device, "no printers found")
	}
	return Printer{}, apperrors.New(apperrors.Tool, "several printers are available; name one")
}

// slice converts an STL into G-code next to the input file.
func (a *Agent) slice(ctx context.Context, stlPath string) (string, error) {
	gcodePath := strings.TrimSuffix(stlPath, filepath.Ext(stlPath)) + ".gcode"

	sliceCtx, cancel := context.WithTimeout(ctx, sliceTimeout)
	defer cancel()

	cmd := exec.CommandContext(sliceCtx, a.SlicerPath, "--export-gcode", "--output", gcodePath, stlPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", apperrors.Wrapf(err, apperrors.Tool, "slice %s: %s",
			filepath.Base(stlPath), strings.TrimSpace(string(out)))
	}
	if _, err := os.Stat(gcodePath); err != nil {
		return "", apperrors.New(apperrors.Tool, "slicer finished but produced no G-code")
	}
	return gcodePath, nil
}

// octoUpload posts a file to OctoPrint and starts it immediately.
func (a *Agent) octoUpload(ctx context.Context, p Printer, path string) error {
	body, contentType, err := multipartFile(path, map[string]string{
		"select": "true",
		"print":  "true",
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/api/files/local", body)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Tool, "build upload")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Api-Key", p.APIKey)

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Device, "upload to printer")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.Device, "printer upload returned %s", resp.Status)
	}
	return nil
}

// moonrakerUpload posts a file to Moonraker with immediate printing.
func (a *Agent) moonrakerUpload(ctx context.Context, p Printer, path string) error {
	body, contentType, err := multipartFile(path, map[string]string{"print": "true"})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/server/files/upload", body)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Tool, "build upload")
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Device, "upload to printer")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return apperrors.Newf(apperrors.Device, "printer upload returned %s", resp.Status)
	}
	return nil
}

func (a *Agent) octoStatus(ctx context.Context, p Printer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/api/job", nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Tool, "build status request")
	}
	req.Header.Set("X-Api-Key", p.APIKey)

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Device, "query printer")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.Newf(apperrors.Device, "printer returned %s", resp.Status)
	}

	var out struct {
		State    string `json:"state"`
		Progress struct {
			Completion float64 `json:"completion"`
		} `json:"progress"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperrors.Wrap(err, apperrors.Device, "decode printer status")
	}
	if out.State == "Printing" {
		return fmt.Sprintf("%s is printing, %.0f%% complete.", p.Name, out.Progress.Completion), nil
	}
	return fmt.Sprintf("%s is %s.", p.Name, strings.ToLower(out.State)), nil
}

func (a *Agent) moonrakerStatus(ctx context.Context, p Printer) (string, error) {
	url := p.BaseURL + "/printer/objects/query?print_stats&display_status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Tool, "build status request")
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.Device, "query printer")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperrors.Newf(apperrors.Device, "printer returned %s", resp.Status)
	}

	var out struct {
		Result struct {
			Status struct {
				PrintStats struct {
					State    string `json:"state"`
					Filename string `json:"filename"`
				} `json:"print_stats"`
				DisplayStatus struct {
					Progress float64 `json:"progress"`
				} `json:"display_status"`
			} `json:"status"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperrors.Wrap(err, apperrors.Device, "decode printer status")
	}

	status := out.Result.Status
	if status.PrintStats.State == "printing" {
		return fmt.Sprintf("%s is printing %s, %.0f%% complete.",
			p.Name, status.PrintStats.Filename, status.DisplayStatus.Progress*100), nil
	}
	return fmt.Sprintf("%s is %s.", p.Name, status.PrintStats.State), nil
}

// multipartFile builds a multipart body with the file plus fields.
func multipartFile(path string, fields map[string]string) (*bytes.Buffer, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", apperrors.Wrap(err, apperrors.Tool, "open upload file")
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", apperrors.Wrap(err, apperrors.Tool, "build multipart body")
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", apperrors.Wrap(err, apperrors.Tool, "copy upload file")
	}
	for k, v := range fields {
		w.WriteField(k, v)
	}
	if err := w.Close(); err != nil {
		return nil, "", apperrors.Wrap(err, apperrors.Tool, "finish multipart body")
	}
	return &buf, w.FormDataContentType(), nil
}
