package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vmx/internal/datastore"
	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/images"
	"github.com/jbweber/homelab/vmx/internal/invoke"
	"github.com/jbweber/homelab/vmx/internal/lifecycle"
	"github.com/jbweber/homelab/vmx/internal/qemu"
	"github.com/jbweber/homelab/vmx/internal/repository"
	"github.com/jbweber/homelab/vmx/internal/testutil"
	"github.com/jbweber/homelab/vmx/internal/volumes"
)

const testToken = "test-token"

var layerDigest = "sha256:" + strings.Repeat("c", 64)

type testEnv struct {
	router   chi.Router
	ds       *datastore.Datastore
	runner   *testutil.FakeRunner
	signaler *testutil.FakeSignaler
	image    domain.Image
}

func setupTestAPI(t *testing.T) testEnv {
	t.Helper()
	ctx := context.Background()

	ds, err := datastore.New(ctx, testutil.NewTestDSN(strings.ReplaceAll(t.Name(), "/", "_")))
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })

	dir := t.TempDir()
	runner := testutil.NewFakeRunner()
	signaler := testutil.NewFakeSignaler()

	vols := volumes.NewManager(ds.Volumes, ds.Images, runner, filepath.Join(dir, "volumes"), zerolog.Nop())
	imgs := images.NewManager(images.Deps{
		Images:  ds.Images,
		VMs:     ds.VMs,
		Volumes: ds.Volumes,
		Cleaner: vols,
		Runner:  runner,
		Logger:  zerolog.Nop(),
	}, images.Config{Dir: filepath.Join(dir, "images"), Arch: "amd64"})
	machines := lifecycle.NewManager(lifecycle.Deps{
		VMs:      ds.VMs,
		Images:   ds.Images,
		Volumes:  vols,
		Runner:   runner,
		Signaler: signaler,
		Logger:   zerolog.Nop(),
	}, lifecycle.Config{Arch: qemu.ArchX86_64, GOOS: "linux", LogsDir: filepath.Join(dir, "logs")})
	machines.BootDelay = time.Millisecond
	machines.GracePeriod = time.Millisecond
	machines.SettleDelay = time.Millisecond

	image, err := ds.Images.Upsert(ctx, domain.Image{
		Repository: "freebsd", Tag: "14.1", Path: filepath.Join(dir, "freebsd.img"), Format: "raw", Digest: layerDigest,
	})
	require.NoError(t, err)

	a := NewAPI(Deps{Machines: machines, Images: imgs, Volumes: vols, Logger: zerolog.Nop(), Token: testToken})
	return testEnv{router: a.Router(), ds: ds, runner: runner, signaler: signaler, image: image}
}

func (e testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, code, decode[ErrorResponse](t, w).Code)
}

func TestAuth(t *testing.T) {
	env := setupTestAPI(t)

	req := httptest.NewRequest("GET", "/machines", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assertError(t, w, http.StatusUnauthorized, CodeUnauthorized)

	req = httptest.NewRequest("GET", "/machines", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/healthz", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest("GET", "/metrics", nil)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	r := chi.NewRouter()
	NewAPI(Deps{Logger: zerolog.Nop()}).RegisterRoutes(r)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	handler := bearerAuth("", zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/machines", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestListMachines_Empty(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "GET", "/machines", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestCreateMachine(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "POST", "/machines", CreateMachineRequest{Image: "freebsd:14.1", Memory: "4G", PortForward: []string{"2222:22"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	vm := decode[MachineResponse](t, w)
	assert.NotEmpty(t, vm.ID)
	assert.NotEmpty(t, vm.Name)
	assert.Equal(t, "4G", vm.Memory)
	assert.Equal(t, 8, vm.CPUs)
	assert.Equal(t, "STOPPED", vm.Status)
	assert.Equal(t, env.image.Path, vm.DrivePath)
	assert.Equal(t, "2222:22", vm.PortForward)

	// Stopped machines only show up with ?all
	w = env.do(t, "GET", "/machines", nil)
	assert.Empty(t, decode[[]MachineResponse](t, w))
	w = env.do(t, "GET", "/machines?all=true", nil)
	assert.Len(t, decode[[]MachineResponse](t, w), 1)

	w = env.do(t, "GET", "/machines/"+vm.Name, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, vm.ID, decode[MachineResponse](t, w).ID)
}

func TestCreateMachine_Errors(t *testing.T) {
	env := setupTestAPI(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"invalid json", "{", http.StatusBadRequest, CodeParseBody},
		{"unknown field", `{"image":"freebsd:14.1","gpus":1}`, http.StatusBadRequest, CodeParseBody},
		{"missing image", CreateMachineRequest{Memory: "2G"}, http.StatusBadRequest, CodeParseBody},
		{"unknown image", CreateMachineRequest{Image: "openbsd:7.5"}, http.StatusNotFound, CodeNotFound},
		{"bad memory", CreateMachineRequest{Image: "freebsd:14.1", Memory: "2GB"}, http.StatusBadRequest, CodeInvalidArgument},
		{"bad port forward", CreateMachineRequest{Image: "freebsd:14.1", PortForward: []string{"ssh"}}, http.StatusBadRequest, CodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/machines", tt.body)
			assertError(t, w, tt.status, tt.code)
		})
	}

	w := env.do(t, "POST", "/machines", CreateMachineRequest{Name: "web", Image: "freebsd:14.1"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(t, "POST", "/machines", CreateMachineRequest{Name: "web", Image: "freebsd:14.1"})
	assertError(t, w, http.StatusConflict, CodeDuplicate)
}

func TestGetMachine_NotFound(t *testing.T) {
	env := setupTestAPI(t)

	assertError(t, env.do(t, "GET", "/machines/nope", nil), http.StatusNotFound, CodeNotFound)
	assertError(t, env.do(t, "POST", "/machines/nope/stop", nil), http.StatusNotFound, CodeNotFound)
	assertError(t, env.do(t, "DELETE", "/machines/nope", nil), http.StatusNotFound, CodeNotFound)
}

func TestMachineLifecycle(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "POST", "/machines", CreateMachineRequest{Name: "web", Image: "freebsd:14.1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do(t, "POST", "/machines/web/start", StartMachineRequest{CPUs: 2})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	started := decode[MachineResponse](t, w)
	assert.Equal(t, "RUNNING", started.Status)
	assert.Equal(t, 2, started.CPUs)
	assert.NotZero(t, started.PID)
	env.signaler.SetAlive(started.PID)

	proc := env.runner.Started()[0]
	assert.True(t, proc.Command.Detached)
	assert.Equal(t, "1\n", proc.Input())

	assertError(t, env.do(t, "POST", "/machines/web/start", nil), http.StatusBadRequest, CodeAlreadyRunning)
	assertError(t, env.do(t, "DELETE", "/machines/web", nil), http.StatusBadRequest, CodeRemoveRunning)

	w = env.do(t, "POST", "/machines/web/stop", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stopped := decode[MachineResponse](t, w)
	assert.Equal(t, "STOPPED", stopped.Status)
	assert.Equal(t, started.PID, stopped.PID)
	assert.Equal(t, invoke.SignalTerm, env.signaler.Sent()[0].Signal)

	w = env.do(t, "DELETE", "/machines/web", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "web", decode[MachineResponse](t, w).Name)

	assertError(t, env.do(t, "GET", "/machines/web", nil), http.StatusNotFound, CodeNotFound)
}

func TestRestartMachine(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "POST", "/machines", CreateMachineRequest{Name: "web", Image: "freebsd:14.1"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(t, "POST", "/machines/web/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	first := decode[MachineResponse](t, w)
	env.signaler.SetAlive(first.PID)

	w = env.do(t, "POST", "/machines/web/restart", StartMachineRequest{Memory: "4G"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	second := decode[MachineResponse](t, w)
	assert.Equal(t, "RUNNING", second.Status)
	assert.Equal(t, "4G", second.Memory)
	assert.NotEqual(t, first.PID, second.PID)
	assert.Len(t, env.runner.Started(), 2)
}

func TestStopMachine_Failed(t *testing.T) {
	env := setupTestAPI(t)
	env.signaler.Errs[invoke.SignalTerm] = errors.New("term refused")
	env.signaler.Errs[invoke.SignalKill] = errors.New("kill refused")

	w := env.do(t, "POST", "/machines", CreateMachineRequest{Name: "web", Image: "freebsd:14.1"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = env.do(t, "POST", "/machines/web/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env.signaler.SetAlive(decode[MachineResponse](t, w).PID)

	assertError(t, env.do(t, "POST", "/machines/web/stop", nil), http.StatusInternalServerError, CodeStopFailed)
}

func TestImages(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "GET", "/images", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[[]ImageResponse](t, w)
	require.Len(t, list, 1)
	assert.Equal(t, "freebsd", list[0].Repository)
	assert.Equal(t, layerDigest, list[0].Digest)

	w = env.do(t, "GET", "/images/"+env.image.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	assertError(t, env.do(t, "GET", "/images/missing", nil), http.StatusNotFound, CodeNotFound)
	assertError(t, env.do(t, "POST", "/images", CreateImageRequest{From: "web"}), http.StatusBadRequest, CodeParseBody)
	assertError(t, env.do(t, "POST", "/images", CreateImageRequest{From: "web", Image: "mine:1"}), http.StatusNotFound, CodeNotFound)

	w = env.do(t, "DELETE", "/images/"+env.image.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, "GET", "/images", nil)
	assert.Equal(t, "[]\n", w.Body.String())
}

func TestPullImage(t *testing.T) {
	env := setupTestAPI(t)
	manifest := fmt.Sprintf(`{"schemaVersion":2,"layers":[{"mediaType":"application/vnd.oci.image.layer.v1.tar","digest":%q,"size":1}]}`, layerDigest)

	env.runner.On("oras manifest fetch", testutil.FakeResponse{Stdout: manifest})
	w := env.do(t, "POST", "/images/pull", PullImageRequest{Image: "freebsd:14.1"})
	assertError(t, w, http.StatusConflict, CodeAlreadyPulled)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, env.image.ID)
	assert.Empty(t, env.runner.CallsMatching("oras pull"))

	env.runner.On("oras manifest fetch", testutil.FakeResponse{ExitCode: 1, Stderr: "not found"})
	assertError(t, env.do(t, "POST", "/images/pull", PullImageRequest{Image: "freebsd:15.0"}), http.StatusBadGateway, CodeRegistry)

	assertError(t, env.do(t, "POST", "/images/pull", PullImageRequest{}), http.StatusBadRequest, CodeParseBody)
}

func TestPushImage(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "POST", "/images/"+env.image.ID+"/push", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "docker.io/freebsd:14.1-amd64", decode[PushImageResponse](t, w).Target)

	env.runner.On("oras push", testutil.FakeResponse{ExitCode: 1, Stderr: "denied"})
	assertError(t, env.do(t, "POST", "/images/"+env.image.ID+"/push", nil), http.StatusBadGateway, CodeRegistry)
}

func TestVolumes(t *testing.T) {
	env := setupTestAPI(t)

	w := env.do(t, "POST", "/volumes", CreateVolumeRequest{Name: "data", BaseImage: "freebsd:14.1", Size: "40G"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	vol := decode[VolumeResponse](t, w)
	assert.Equal(t, env.image.ID, vol.BaseImageID)
	assert.Equal(t, "40G", vol.Size)
	assert.True(t, strings.HasSuffix(vol.Path, "data.qcow2"))

	// Creating again returns the same volume
	w = env.do(t, "POST", "/volumes", CreateVolumeRequest{Name: "data", BaseImage: "freebsd:14.1"})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, vol.ID, decode[VolumeResponse](t, w).ID)

	assertError(t, env.do(t, "POST", "/volumes", CreateVolumeRequest{Name: "big", BaseImage: "freebsd:14.1", Size: "1PB"}), http.StatusBadRequest, CodeInvalidArgument)
	assertError(t, env.do(t, "POST", "/volumes", CreateVolumeRequest{Name: "x", BaseImage: "nope:1"}), http.StatusNotFound, CodeNotFound)
	assertError(t, env.do(t, "POST", "/volumes", CreateVolumeRequest{Name: "x"}), http.StatusBadRequest, CodeParseBody)

	w = env.do(t, "GET", "/volumes", nil)
	assert.Len(t, decode[[]VolumeResponse](t, w), 1)
	w = env.do(t, "GET", "/volumes/data", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "DELETE", "/volumes/data", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assertError(t, env.do(t, "GET", "/volumes/data", nil), http.StatusNotFound, CodeNotFound)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("vm x: %w", repository.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{domain.ErrAlreadyRunning, http.StatusBadRequest, CodeAlreadyRunning},
		{domain.ErrRemoveRunningVM, http.StatusBadRequest, CodeRemoveRunning},
		{domain.ErrInvalidArgument, http.StatusBadRequest, CodeInvalidArgument},
		{repository.ErrInvalidEntity, http.StatusBadRequest, CodeInvalidArgument},
		{repository.ErrDuplicate, http.StatusConflict, CodeDuplicate},
		{domain.ErrAlreadyPulled, http.StatusConflict, CodeAlreadyPulled},
		{errors.Join(domain.ErrStopFailed, errors.New("kill")), http.StatusInternalServerError, CodeStopFailed},
		{&domain.RegistryError{Op: "pull", Err: errors.New("x")}, http.StatusBadGateway, CodeRegistry},
		{&domain.StorageError{Op: "query", Err: errors.New("x")}, http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.code, code)
		})
	}
}
