package host

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/rightsize/pkg/engine"
)

// Test module layout:
//
//	import env.log
//	malloc         bump allocator starting at 4096, free is a no-op
//	describe_resource   returns its input unchanged
//	create_reservation  returns a transient capacity error payload
//	stop_resource       logs its input at info level, then echoes it
//	start_resource      never returns
const capacityErrorPayload = `{"error":{"kind":"transient_capacity","code":"InsufficientInstanceCapacity","message":"no capacity"}}`

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func vec(items ...[]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, item := range items {
		out = append(out, item...)
	}
	return out
}

func section(id byte, content []byte) []byte {
	return append(append([]byte{id}, uleb(uint64(len(content)))...), content...)
}

func wasmName(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func funcBody(code ...byte) []byte {
	// No locals.
	b := append([]byte{0x00}, code...)
	return append(uleb(uint64(len(b))), b...)
}

func funcType(params, results []byte) []byte {
	return append(append([]byte{0x60}, vec(splitBytes(params)...)...), vec(splitBytes(results)...)...)
}

func splitBytes(b []byte) [][]byte {
	out := make([][]byte, len(b))
	for i := range b {
		out[i] = b[i : i+1]
	}
	return out
}

func export(name string, kind, index byte) []byte {
	return append(wasmName(name), kind, index)
}

func testModule() []byte {
	const (
		i32, i64 = 0x7f, 0x7e
		dataAt   = 1024
	)
	echo := []byte{
		0x20, 0x00, 0xad, // local.get 0; i64.extend_i32_u
		0x42, 0x20, 0x86, // i64.const 32; i64.shl
		0x20, 0x01, 0xad, // local.get 1; i64.extend_i32_u
		0x84, // i64.or
	}
	payload := []byte(capacityErrorPayload)

	m := []byte{0x00, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00}
	m = append(m, section(1, vec(
		funcType([]byte{i32}, []byte{i32}),
		funcType([]byte{i32}, nil),
		funcType([]byte{i32, i32}, []byte{i64}),
		funcType([]byte{i32, i32, i32}, nil),
	))...)
	m = append(m, section(2, vec(
		append(append(wasmName("env"), wasmName("log")...), 0x00, 0x03),
	))...)
	m = append(m, section(3, vec([]byte{0}, []byte{1}, []byte{2}, []byte{2}, []byte{2}, []byte{2}))...)
	m = append(m, section(5, vec([]byte{0x00, 0x01}))...)
	m = append(m, section(6, vec(
		append(append([]byte{i32, 0x01, 0x41}, sleb(4096)...), 0x0b),
	))...)
	m = append(m, section(7, vec(
		export("memory", 0x02, 0),
		export("malloc", 0x00, 1),
		export("free", 0x00, 2),
		export(OpDescribeResource, 0x00, 3),
		export(OpCreateReservation, 0x00, 4),
		export(OpStopResource, 0x00, 5),
		export(OpStartResource, 0x00, 6),
	))...)
	m = append(m, section(10, vec(
		funcBody(0x23, 0x00, 0x23, 0x00, 0x20, 0x00, 0x6a, 0x24, 0x00, 0x0b),
		funcBody(0x0b),
		funcBody(append(echo, 0x0b)...),
		funcBody(append(append([]byte{0x42}, sleb(int64(dataAt)<<32|int64(len(payload)))...), 0x0b)...),
		funcBody(append(append([]byte{0x41, 0x01, 0x20, 0x00, 0x20, 0x01, 0x10, 0x00}, echo...), 0x0b)...),
		funcBody(0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00, 0x0b),
	))...)
	segment := append(append([]byte{0x00, 0x41}, sleb(dataAt)...), 0x0b)
	segment = append(segment, uleb(uint64(len(payload)))...)
	segment = append(segment, payload...)
	m = append(m, section(11, vec(segment))...)
	return m
}

func testManifest(version string, ops ...string) string {
	if len(ops) == 0 {
		ops = []string{OpDescribeResource, OpCreateReservation, OpStopResource, OpStartResource}
	}
	return fmt.Sprintf(`name: echo
version: %s
author: ops
entrypoint: echo.wasm
operations: [%s]
`, version, strings.Join(ops, ", "))
}

func newTestPlugin(t *testing.T, cfg Config, logger zerolog.Logger) *Plugin {
	t.Helper()

	manifest, err := NewManifestLoader(t.TempDir()).LoadFromBytes([]byte(testManifest("1.0.0")), nil)
	if err != nil {
		t.Fatalf("Failed to load manifest: %v", err)
	}
	plugin, err := NewPlugin(context.Background(), manifest, testModule(), cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create plugin: %v", err)
	}
	t.Cleanup(func() { _ = plugin.Close(context.Background()) })
	return plugin
}

func TestManifestLoader(t *testing.T) {
	t.Run("LoadFromBytes", func(t *testing.T) {
		data := `name: aws-lite
version: 1.2.0
entrypoint: plugin.wasm
capabilities: [net:outbound, env:read, net:outbound]
operations: [describe_resource, run_remote_command]
`
		manifest, err := NewManifestLoader("/tmp").LoadFromBytes([]byte(data), nil)
		if err != nil {
			t.Fatalf("Failed to load manifest: %v", err)
		}
		if manifest.Key() != "aws-lite@1.2.0" {
			t.Errorf("Expected key aws-lite@1.2.0, got %s", manifest.Key())
		}
		caps := manifest.GetCapabilities()
		if len(caps) != 2 || caps[0] != CapabilityEnvRead || caps[1] != CapabilityNetOutbound {
			t.Errorf("Expected sorted unique capabilities, got %v", caps)
		}
		if !manifest.Supports(OpRunRemoteCommand) || manifest.Supports(OpStopResource) {
			t.Errorf("Unexpected operation support: %v", manifest.Operations)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		tests := []struct {
			name string
			data string
			want string
		}{
			{"missing name", "version: 1.0.0\nentrypoint: a.wasm\noperations: [describe_resource]\n", "name is required"},
			{"missing version", "name: a\nentrypoint: a.wasm\noperations: [describe_resource]\n", "version is required"},
			{"missing entrypoint", "name: a\nversion: 1.0.0\noperations: [describe_resource]\n", "entrypoint is required"},
			{"no operations", "name: a\nversion: 1.0.0\nentrypoint: a.wasm\n", "at least one operation"},
			{"unknown operation", "name: a\nversion: 1.0.0\nentrypoint: a.wasm\noperations: [reboot]\n", `unknown operation "reboot"`},
			{"unknown capability", "name: a\nversion: 1.0.0\nentrypoint: a.wasm\noperations: [describe_resource]\ncapabilities: [fs:root]\n", `unknown capability "fs:root"`},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := NewManifestLoader("/tmp").LoadFromBytes([]byte(tt.data), nil)
				if err == nil || !strings.Contains(err.Error(), tt.want) {
					t.Errorf("Expected error containing %q, got %v", tt.want, err)
				}
			})
		}
	})

	t.Run("Checksum", func(t *testing.T) {
		module := testModule()
		sum := sha256.Sum256(module)
		data := testManifest("1.0.0") + "checksum: " + hex.EncodeToString(sum[:]) + "\n"

		manifest, err := NewManifestLoader("/tmp").LoadFromBytes([]byte(data), module)
		if err != nil {
			t.Fatalf("Failed to load manifest: %v", err)
		}
		if !manifest.Verified {
			t.Error("Expected manifest to be verified")
		}

		if _, err := NewManifestLoader("/tmp").LoadFromBytes([]byte(data), []byte("tampered")); err == nil {
			t.Error("Expected checksum mismatch")
		}
	})

	t.Run("LoadFromFile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "manifest.yaml")
		if err := os.WriteFile(path, []byte(testManifest("1.0.0")), 0600); err != nil {
			t.Fatal(err)
		}

		if _, err := NewManifestLoader("").LoadFromFile(path); err == nil {
			t.Error("Expected error for missing module")
		}

		if err := os.WriteFile(filepath.Join(dir, "echo.wasm"), testModule(), 0600); err != nil {
			t.Fatal(err)
		}
		manifest, err := NewManifestLoader("").LoadFromFile(path)
		if err != nil {
			t.Fatalf("Failed to load manifest: %v", err)
		}
		if manifest.ModulePath != filepath.Join(dir, "echo.wasm") {
			t.Errorf("Expected module next to manifest, got %s", manifest.ModulePath)
		}
	})
}

func TestCapabilityEnforcer(t *testing.T) {
	t.Run("ReadEnv", func(t *testing.T) {
		t.Setenv("RIGHTSIZE_TEST_REGION", "eu-west-1")
		t.Setenv("RIGHTSIZE_TEST_TOKEN", "hunter2")

		if _, err := NewCapabilityEnforcer(nil).ReadEnv("RIGHTSIZE_TEST_REGION"); err == nil {
			t.Error("Expected denial without env:read")
		}

		e := NewCapabilityEnforcer([]string{CapabilityEnvRead})
		v, err := e.ReadEnv("RIGHTSIZE_TEST_REGION")
		if err != nil || v != "eu-west-1" {
			t.Errorf("Expected eu-west-1, got %q (%v)", v, err)
		}
		if _, err := e.ReadEnv("RIGHTSIZE_TEST_TOKEN"); err == nil {
			t.Error("Expected sensitive variable to be denied")
		}
	})

	t.Run("HTTPRequest", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		if _, err := NewCapabilityEnforcer(nil).HTTPRequest(context.Background(), http.MethodGet, srv.URL); err == nil {
			t.Error("Expected denial without net:outbound")
		}

		status, err := NewCapabilityEnforcer([]string{CapabilityNetOutbound}).
			HTTPRequest(context.Background(), http.MethodPost, srv.URL)
		if err != nil {
			t.Fatalf("HTTPRequest failed: %v", err)
		}
		if status != http.StatusAccepted {
			t.Errorf("Expected 202, got %d", status)
		}
	})

	t.Run("ValidateCapabilities", func(t *testing.T) {
		e := NewCapabilityEnforcer([]string{CapabilityEnvRead})
		if err := e.ValidateCapabilities([]string{CapabilityEnvRead}); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
		if err := e.ValidateCapabilities([]string{CapabilityNetOutbound}); err == nil {
			t.Error("Expected missing capability error")
		}
	})
}

func TestPluginDescribeResource(t *testing.T) {
	plugin := newTestPlugin(t, DefaultConfig(), zerolog.Nop())

	desc, err := plugin.DescribeResource(context.Background(), "i-0abc")
	if err != nil {
		t.Fatalf("DescribeResource failed: %v", err)
	}
	if desc.ResourceID != "i-0abc" {
		t.Errorf("Expected i-0abc, got %s", desc.ResourceID)
	}

	// A second call allocates fresh memory.
	desc, err = plugin.DescribeResource(context.Background(), "i-0def")
	if err != nil {
		t.Fatalf("DescribeResource failed: %v", err)
	}
	if desc.ResourceID != "i-0def" {
		t.Errorf("Expected i-0def, got %s", desc.ResourceID)
	}
}

func TestPluginErrorPayload(t *testing.T) {
	plugin := newTestPlugin(t, DefaultConfig(), zerolog.Nop())

	_, err := plugin.CreateReservation(context.Background(), engine.ReservationRequest{InstanceType: "m6i.large"})
	if !engine.IsTransientCapacity(err) {
		t.Fatalf("Expected transient capacity error, got %v", err)
	}
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		t.Fatal("Expected EngineError")
	}
	if ee.Code != "InsufficientInstanceCapacity" {
		t.Errorf("Expected InsufficientInstanceCapacity, got %s", ee.Code)
	}
	if ee.Operation != OpCreateReservation {
		t.Errorf("Expected operation %s, got %s", OpCreateReservation, ee.Operation)
	}
}

func TestPluginLogsThroughHost(t *testing.T) {
	var buf bytes.Buffer
	plugin := newTestPlugin(t, DefaultConfig(), zerolog.New(&buf))

	sc, err := plugin.StopResource(context.Background(), "i-0abc", true)
	if err != nil {
		t.Fatalf("StopResource failed: %v", err)
	}
	if sc.ResourceID != "i-0abc" {
		t.Errorf("Expected i-0abc, got %s", sc.ResourceID)
	}

	out := buf.String()
	if !strings.Contains(out, `"level":"info"`) || !strings.Contains(out, `i-0abc`) {
		t.Errorf("Expected plugin log line, got %s", out)
	}
	if !strings.Contains(out, `"plugin":"echo@1.0.0"`) {
		t.Errorf("Expected plugin field, got %s", out)
	}
}

func TestPluginUnsupportedOperation(t *testing.T) {
	plugin := newTestPlugin(t, DefaultConfig(), zerolog.Nop())

	err := plugin.ModifyAttribute(context.Background(), "i-1", engine.AttributeInstanceType, "m6i.large")
	if !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
	if _, err := plugin.RunRemoteCommand(context.Background(), engine.RemoteCommand{ResourceID: "i-1"}); !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestPluginCallTimeout(t *testing.T) {
	plugin := newTestPlugin(t, Config{CallTimeout: 200 * time.Millisecond}, zerolog.Nop())

	_, err := plugin.StartResource(context.Background(), "i-1")
	var ee *engine.EngineError
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeTimeout {
		t.Fatalf("Expected TIMEOUT, got %v", err)
	}

	_, err = plugin.DescribeResource(context.Background(), "i-1")
	if !errors.As(err, &ee) || ee.Code != engine.ErrCodeProviderFailed {
		t.Errorf("Expected closed plugin error, got %v", err)
	}
}

func TestPluginCancelled(t *testing.T) {
	plugin := newTestPlugin(t, DefaultConfig(), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := plugin.StartResource(ctx, "i-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context deadline, got %v", err)
	}
}

func TestNewPluginMissingExport(t *testing.T) {
	manifest, err := NewManifestLoader("/tmp").LoadFromBytes(
		[]byte(testManifest("1.0.0", OpDescribeResource, OpCancelReservation)), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = NewPlugin(context.Background(), manifest, testModule(), DefaultConfig(), zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "cancel_reservation") {
		t.Errorf("Expected missing export error, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	module := testModule()

	newRegistry := func(t *testing.T) *Registry {
		r := NewRegistry(t.TempDir(), DefaultConfig(), zerolog.Nop())
		for _, v := range []string{"1.0.0", "1.0.3", "1.2.0", "2.0.0"} {
			if _, err := r.Register([]byte(testManifest(v)), module); err != nil {
				t.Fatalf("Register %s failed: %v", v, err)
			}
		}
		t.Cleanup(func() { _ = r.Close(ctx) })
		return r
	}

	t.Run("ResolveVersion", func(t *testing.T) {
		r := newRegistry(t)
		tests := map[string]string{
			"":       "echo@2.0.0",
			"latest": "echo@2.0.0",
			"1.2.0":  "echo@1.2.0",
			"~1.0":   "echo@1.0.3",
			"~1.0.0": "echo@1.0.3",
			"^1.0.0": "echo@1.2.0",
			"^2":     "echo@2.0.0",
		}
		for constraint, want := range tests {
			plugin, err := r.Get(ctx, "echo", constraint)
			if err != nil {
				t.Errorf("Get(%q) failed: %v", constraint, err)
				continue
			}
			if plugin.Manifest().Key() != want {
				t.Errorf("Get(%q): expected %s, got %s", constraint, want, plugin.Manifest().Key())
			}
		}

		for _, constraint := range []string{"3.0.0", "^3", "~1.1"} {
			if _, err := r.Get(ctx, "echo", constraint); err == nil {
				t.Errorf("Get(%q): expected error", constraint)
			}
		}
		if _, err := r.Get(ctx, "other", ""); err == nil {
			t.Error("Expected error for unknown plugin")
		}
	})

	t.Run("CachesPlugins", func(t *testing.T) {
		r := newRegistry(t)
		a, err := r.Get(ctx, "echo", "1.0.0")
		if err != nil {
			t.Fatal(err)
		}
		b, err := r.Get(ctx, "echo", "1.0.0")
		if err != nil {
			t.Fatal(err)
		}
		if a != b {
			t.Error("Expected the same plugin instance")
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		r := newRegistry(t)
		if _, err := r.Register([]byte(testManifest("1.0.0")), module); err == nil {
			t.Error("Expected duplicate registration error")
		}
	})

	t.Run("AllowedCapabilities", func(t *testing.T) {
		r := NewRegistry(t.TempDir(), DefaultConfig(), zerolog.Nop())
		r.SetAllowedCapabilities([]string{CapabilityEnvRead})
		data := testManifest("1.0.0") + "capabilities: [net:outbound]\n"
		if _, err := r.Register([]byte(data), module); err == nil {
			t.Error("Expected capability denial")
		}
	})

	t.Run("Unregister", func(t *testing.T) {
		r := newRegistry(t)
		if _, err := r.Get(ctx, "echo", "2.0.0"); err != nil {
			t.Fatal(err)
		}
		if err := r.Unregister(ctx, "echo", "2.0.0"); err != nil {
			t.Fatalf("Unregister failed: %v", err)
		}
		plugin, err := r.Get(ctx, "echo", "")
		if err != nil {
			t.Fatal(err)
		}
		if plugin.Manifest().Version != "1.2.0" {
			t.Errorf("Expected 1.2.0 after unregister, got %s", plugin.Manifest().Version)
		}
		if len(r.List()) != 3 {
			t.Errorf("Expected 3 plugins, got %d", len(r.List()))
		}
	})

	t.Run("ScanDirectory", func(t *testing.T) {
		dir := t.TempDir()
		good := filepath.Join(dir, "echo")
		broken := filepath.Join(dir, "broken")
		for _, d := range []string{good, broken} {
			if err := os.MkdirAll(d, 0750); err != nil {
				t.Fatal(err)
			}
		}
		sum := sha256.Sum256(module)
		manifest := testManifest("1.0.0") + "checksum: " + hex.EncodeToString(sum[:]) + "\n"
		if err := os.WriteFile(filepath.Join(good, "manifest.yaml"), []byte(manifest), 0600); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(good, "echo.wasm"), module, 0600); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(broken, "manifest.yaml"), []byte("name: broken\n"), 0600); err != nil {
			t.Fatal(err)
		}

		r := NewRegistry("", DefaultConfig(), zerolog.Nop())
		defer r.Close(ctx)
		if err := r.ScanDirectory(dir); err != nil {
			t.Fatalf("ScanDirectory failed: %v", err)
		}

		list := r.List()
		if len(list) != 1 || list[0].Key() != "echo@1.0.0" || !list[0].Verified {
			t.Fatalf("Expected verified echo@1.0.0, got %+v", list)
		}
		plugin, err := r.Get(ctx, "echo", "")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := plugin.DescribeResource(ctx, "i-1"); err != nil {
			t.Errorf("DescribeResource failed: %v", err)
		}
	})
}
