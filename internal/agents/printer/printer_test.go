package printer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fixedBrowse replaces mDNS with a canned printer list.
func fixedBrowse(byService map[string][]Printer) func(context.Context, string) ([]Printer, error) {
	return func(_ context.Context, service string) ([]Printer, error) {
		return byService[service], nil
	}
}

func TestDiscoverCachesAndSorts(t *testing.T) {
	a := New("", nil)
	a.browse = fixedBrowse(map[string][]Printer{
		"_octoprint._tcp": {{Name: "Voron", BaseURL: "http://10.0.0.7:80"}},
		"_moonraker._tcp": {{Name: "Ender", BaseURL: "http://10.0.0.8:7125"}},
	})

	names, err := a.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(names) != 2 || names[0] != "Ender" || names[1] != "Voron" {
		t.Fatalf("names = %v", names)
	}

	// Kinds follow the service they were found under.
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.printers["voron"].Kind != KindOctoPrint || a.printers["ender"].Kind != KindMoonraker {
		t.Fatalf("printers = %+v", a.printers)
	}
}

func TestAddManualSurvivesDiscovery(t *testing.T) {
	a := New("", nil)
	a.browse = fixedBrowse(map[string][]Printer{
		"_octoprint._tcp": {{Name: "Voron", BaseURL: "http://10.0.0.7:80"}},
	})
	a.AddManual(Printer{Name: "Basement", Kind: KindMoonraker, BaseURL: "http://10.0.0.9:7125"})
	a.AddManual(Printer{Name: "", BaseURL: "http://nameless"}) // ignored

	names, err := a.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(names) != 2 || names[0] != "Basement" || names[1] != "Voron" {
		t.Fatalf("names = %v, want [Basement Voron]", names)
	}

	p, err := a.pick(context.Background(), "basement")
	if err != nil || p.Kind != KindMoonraker {
		t.Fatalf("pick = %+v, %v", p, err)
	}
}

func TestPickPrinter(t *testing.T) {
	a := New("", nil)
	a.printers["voron"] = Printer{Name: "Voron", Kind: KindOctoPrint}
	a.printers["ender"] = Printer{Name: "Ender", Kind: KindMoonraker}

	if _, err := a.pick(context.Background(), ""); err == nil {
		t.Error("ambiguous pick should fail with two printers")
	}
	p, err := a.pick(context.Background(), "VORON")
	if err != nil || p.Name != "Voron" {
		t.Errorf("pick = %+v, %v", p, err)
	}
	if _, err := a.pick(context.Background(), "prusa"); err == nil {
		t.Error("unknown printer should fail")
	}

	delete(a.printers, "ender")
	p, err = a.pick(context.Background(), "")
	if err != nil || p.Name != "Voron" {
		t.Errorf("single-printer pick = %+v, %v", p, err)
	}
}

func TestOctoStatus(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/job" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("X-Api-Key")
		w.Write([]byte(`{"state":"Printing","progress":{"completion":42.5}}`))
	}))
	defer srv.Close()

	a := New("", nil)
	p := Printer{Name: "Voron", Kind: KindOctoPrint, BaseURL: srv.URL, APIKey: "secret"}

	out, err := a.octoStatus(context.Background(), p)
	if err != nil {
		t.Fatalf("octoStatus: %v", err)
	}
	if !strings.Contains(out, "43%") && !strings.Contains(out, "42%") {
		t.Errorf("status = %q", out)
	}
	if gotKey != "secret" {
		t.Errorf("api key = %q", gotKey)
	}
}

func TestMoonrakerStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"result":{"status":{
			"print_stats":{"state":"printing","filename":"gear.gcode"},
			"display_status":{"progress":0.731}}}}`))
	}))
	defer srv.Close()

	a := New("", nil)
	p := Printer{Name: "Ender", Kind: KindMoonraker, BaseURL: srv.URL}

	out, err := a.moonrakerStatus(context.Background(), p)
	if err != nil {
		t.Fatalf("moonrakerStatus: %v", err)
	}
	if !strings.Contains(out, "gear.gcode") || !strings.Contains(out, "73%") {
		t.Errorf("status = %q", out)
	}
}

func TestPrintSTLUploadsToOctoPrint(t *testing.T) {
	var gotPath, gotPrint, gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseMultipartForm(1 << 20)
		gotPrint = r.FormValue("print")
		if _, header, err := r.FormFile("file"); err == nil {
			gotFile = header.Filename
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	stl := filepath.Join(t.TempDir(), "gear.stl")
	os.WriteFile(stl, []byte("solid gear"), 0o644)

	a := New("", nil) // no slicer, upload as-is
	a.printers["voron"] = Printer{Name: "Voron", Kind: KindOctoPrint, BaseURL: srv.URL}

	out, err := a.PrintSTL(context.Background(), stl, "voron")
	if err != nil {
		t.Fatalf("PrintSTL: %v", err)
	}
	if gotPath != "/api/files/local" || gotPrint != "true" || gotFile != "gear.stl" {
		t.Errorf("upload: path=%q print=%q file=%q", gotPath, gotPrint, gotFile)
	}
	if !strings.Contains(out, "Voron") {
		t.Errorf("result = %q", out)
	}
}
