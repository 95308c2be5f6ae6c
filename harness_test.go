package gridrun

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gridrun/internal/gpucore/gpucoretest"
)

const fieldKernel = `
struct ScalarField { density: f32 }
struct Mesh { vertices: array<vec4<u32>> }

override workgroup_size_x: u32;
override workgroup_size_y: u32;
override workgroup_size_z: u32;
override dispatch_count_x: u32;
override dispatch_count_y: u32;
override dispatch_count_z: u32;

@group(0) @binding(0) var<storage, read> field: ScalarField;
@group(0) @binding(1) var<storage, read_write> mesh: Mesh;

@compute @workgroup_size(workgroup_size_x, workgroup_size_y, workgroup_size_z)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    let width = workgroup_size_x * dispatch_count_x;
    let height = workgroup_size_y * dispatch_count_y;
    let index = id.x + id.y * width + id.z * width * height;
    mesh.vertices[index] = vec4<u32>(index, id.x, id.y, bitcast<u32>(field.density));
}
`

var (
	scalarField = ElementLayout{MinSize: 4, Align: 4}
	meshVertex  = ElementLayout{MinSize: 16, Align: 16}
	smallGrid   = GridConfig{
		WorkgroupSize: [3]uint32{4, 2, 1},
		DispatchCount: [3]uint32{2, 1, 1},
	}
)

// vertexKernel emulates fieldKernel: element i is (i, i, 0, density bits).
func vertexKernel(d gpucoretest.Dispatch) {
	density := binary.LittleEndian.Uint32(d.Bindings[0])
	out := d.Bindings[1]
	for i := 0; (i+1)*16 <= len(out); i++ {
		e := out[i*16:]
		binary.LittleEndian.PutUint32(e[0:], uint32(i))
		binary.LittleEndian.PutUint32(e[4:], uint32(i))
		binary.LittleEndian.PutUint32(e[12:], density)
	}
}

func density(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func fieldRequest(grid GridConfig) Request {
	return Request{Kernel: fieldKernel, Input: density(1.0), In: scalarField, Out: meshVertex, Grid: grid}
}

func newTestHarness(t *testing.T, dev *gpucoretest.Device, opts ...Option) *Harness {
	t.Helper()
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	h := newHarness(dev, o)
	t.Cleanup(func() { h.Close() })
	return h
}

func wantStageError(t *testing.T, err error, stage State, kind error) {
	t.Helper()
	var se *StageError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v (%T), want *StageError", err, err)
	}
	if se.Stage != stage {
		t.Errorf("Stage = %v, want %v", se.Stage, stage)
	}
	if se.Kind != kind || !errors.Is(err, kind) {
		t.Errorf("Kind = %v, want %v", se.Kind, kind)
	}
}

func assertReleased(t *testing.T, dev *gpucoretest.Device) {
	t.Helper()
	if live := dev.LiveResources(); len(live) != 0 {
		t.Errorf("resources alive after Run: %v", live)
	}
}

func TestRun(t *testing.T) {
	dev := gpucoretest.New()
	dev.Kernel = vertexKernel
	h := newTestHarness(t, dev)

	out, err := h.Run(context.Background(), fieldRequest(smallGrid))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(out) != 8*16 {
		t.Fatalf("len(out) = %d, want %d", len(out), 8*16)
	}
	last := out[7*16:]
	if got := binary.LittleEndian.Uint32(last); got != 7 {
		t.Errorf("last vertex index = %d, want 7", got)
	}
	if got := math.Float32frombits(binary.LittleEndian.Uint32(last[12:])); got != 1.0 {
		t.Errorf("last vertex density = %v, want 1.0", got)
	}
	if s := h.LastState(); s != Unmapped {
		t.Errorf("LastState() = %v, want unmapped", s)
	}
	assertReleased(t, dev)
}

func TestRunScenarioA(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates 384 MiB of fake device memory")
	}
	dev := gpucoretest.New()
	dev.Kernel = vertexKernel
	h := newTestHarness(t, dev)
	grid := GridConfig{
		WorkgroupSize: [3]uint32{8, 8, 4},
		DispatchCount: [3]uint32{32, 32, 32},
	}

	out, err := h.Run(context.Background(), fieldRequest(grid))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	const invocations = 8 * 8 * 4 * 32 * 32 * 32
	if len(out) != invocations*16 {
		t.Fatalf("len(out) = %d, want %d", len(out), invocations*16)
	}
	if got := binary.LittleEndian.Uint32(out[len(out)-16:]); got != invocations-1 {
		t.Errorf("last vertex index = %d, want %d", got, invocations-1)
	}
	if !dev.Called("Dispatch(32,32,32)") {
		t.Error("dispatch count not recorded")
	}
}

func TestRunOutputLengthIndependentOfKernel(t *testing.T) {
	dev := gpucoretest.New()
	h := newTestHarness(t, dev)
	grid := GridConfig{WorkgroupSize: [3]uint32{3, 1, 1}, DispatchCount: [3]uint32{5, 2, 1}}

	out, err := h.Run(context.Background(), fieldRequest(grid))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	size, _ := SizeFor(meshVertex, grid)
	if uint64(len(out)) != size || len(out) != 30*16 {
		t.Fatalf("len(out) = %d, want %d", len(out), size)
	}
	if !bytes.Equal(out, make([]byte, len(out))) {
		t.Error("untouched output is not zero")
	}
}

func TestRunDeterministic(t *testing.T) {
	dev := gpucoretest.New()
	dev.Kernel = vertexKernel
	h := newTestHarness(t, dev)

	first, err := h.Run(context.Background(), fieldRequest(smallGrid))
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	second, err := h.Run(context.Background(), fieldRequest(smallGrid))
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("identical runs produced different output")
	}
}

func TestRunEntryPointMismatch(t *testing.T) {
	dev := gpucoretest.New()
	h := newTestHarness(t, dev)
	req := fieldRequest(smallGrid)
	req.Kernel = strings.Replace(req.Kernel, "fn main(", "fn compute_main(", 1)

	_, err := h.Run(context.Background(), req)
	wantStageError(t, err, PipelineReady, ErrShaderCompileError)
	for _, c := range dev.Calls() {
		if strings.HasPrefix(c, "Dispatch(") || c == "Submit" {
			t.Fatalf("work submitted despite compile error: %v", dev.Calls())
		}
	}
	if s := h.LastState(); s != Failed {
		t.Errorf("LastState() = %v, want failed", s)
	}
	assertReleased(t, dev)
}

func TestRunCustomEntryPoint(t *testing.T) {
	dev := gpucoretest.New()
	h := newTestHarness(t, dev, WithEntryPoint("compute_main"))
	req := fieldRequest(smallGrid)
	req.Kernel = strings.Replace(req.Kernel, "fn main(", "fn compute_main(", 1)

	if _, err := h.Run(context.Background(), req); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunBindingMismatch(t *testing.T) {
	dev := gpucoretest.New()
	h := newTestHarness(t, dev)
	req := fieldRequest(smallGrid)
	req.Kernel = strings.Replace(req.Kernel,
		"@compute",
		"@group(0) @binding(2) var<storage, read_write> extra: array<u32>;\n@compute", 1)
	req.Kernel = strings.Replace(req.Kernel, "let index =", "extra[0] = 1u;\n    let index =", 1)

	_, err := h.Run(context.Background(), req)
	wantStageError(t, err, PipelineReady, ErrBindGroupMismatch)
	if dev.Called("CreateShaderModule") {
		t.Error("kernel compiled before the binding mismatch was reported")
	}
	assertReleased(t, dev)
}

func TestRunOverLimit(t *testing.T) {
	dev := gpucoretest.New()
	lim := DefaultLimits()
	lim.MaxStorageBufferBindingSize = 64
	dev.SetLimits(lim)
	h := newTestHarness(t, dev)

	_, err := h.Run(context.Background(), fieldRequest(smallGrid))
	wantStageError(t, err, BuffersAllocated, ErrBufferSizeExceedsLimit)
	if dev.Called("CreateBuffer") {
		t.Error("buffer allocated although the size check failed")
	}
}

func TestRunRejectsRequest(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Request)
		kind   error
	}{
		{"zero grid axis", func(r *Request) { r.Grid.DispatchCount[1] = 0 }, ErrInvalidGrid},
		{"workgroup over limit", func(r *Request) { r.Grid.WorkgroupSize = [3]uint32{512, 1, 1} }, ErrInvalidGrid},
		{"unaligned output", func(r *Request) { r.Out = ElementLayout{MinSize: 6, Align: 2} }, ErrInvalidLayout},
		{"zero input layout", func(r *Request) { r.In = ElementLayout{} }, ErrInvalidLayout},
		{"short input", func(r *Request) { r.Input = r.Input[:2] }, ErrBindGroupMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := gpucoretest.New()
			h := newTestHarness(t, dev)
			req := fieldRequest(smallGrid)
			tt.modify(&req)

			_, err := h.Run(context.Background(), req)
			wantStageError(t, err, BuffersAllocated, tt.kind)
			if dev.Called("CreateBuffer") {
				t.Error("buffer allocated for a rejected request")
			}
		})
	}
}

func TestRunUniformInput(t *testing.T) {
	dev := gpucoretest.New()
	dev.Kernel = vertexKernel
	h := newTestHarness(t, dev, WithUniformInput())
	req := fieldRequest(smallGrid)
	req.Kernel = strings.Replace(req.Kernel, "var<storage, read> field", "var<uniform> field", 1)

	out, err := h.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(out) != 8*16 {
		t.Errorf("len(out) = %d", len(out))
	}

	// A storage kernel does not match a uniform layout.
	_, err = h.Run(context.Background(), fieldRequest(smallGrid))
	wantStageError(t, err, PipelineReady, ErrBindGroupMismatch)
}

func TestRunCanceled(t *testing.T) {
	dev := gpucoretest.New()
	dev.Hang = true
	h := newTestHarness(t, dev, WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.Run(ctx, fieldRequest(smallGrid))
	wantStageError(t, err, Mapped, ErrWaitCanceled)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want it to wrap context.DeadlineExceeded", err)
	}
	if len(dev.LiveResources()) == 0 {
		t.Fatal("in-flight resources released before the GPU finished")
	}

	dev.Hang = false
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	assertReleased(t, dev)
	if !dev.Destroyed() {
		t.Error("device not destroyed by Close")
	}
}

func TestRunReapsAbandoned(t *testing.T) {
	dev := gpucoretest.New()
	dev.Hang = true
	h := newTestHarness(t, dev, WithPollInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Run(ctx, fieldRequest(smallGrid))
	wantStageError(t, err, Mapped, ErrWaitCanceled)

	dev.Hang = false
	if _, err := h.Run(context.Background(), fieldRequest(smallGrid)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	assertReleased(t, dev)
}

func TestRunDeviceFailures(t *testing.T) {
	tests := []struct {
		name   string
		inject func(*gpucoretest.Device)
		stage  State
		kind   error
	}{
		{"compile", func(d *gpucoretest.Device) { d.FailShaderModule = gpucoretest.ErrInjected }, PipelineReady, ErrShaderCompileError},
		{"bind group", func(d *gpucoretest.Device) { d.FailBindGroup = gpucoretest.ErrInjected }, PipelineReady, ErrBindGroupMismatch},
		{"encoder", func(d *gpucoretest.Device) { d.FailCommandEncoder = gpucoretest.ErrInjected }, Dispatched, ErrSubmitFailed},
		{"submit", func(d *gpucoretest.Device) { d.FailSubmit = gpucoretest.ErrInjected }, Submitted, ErrSubmitFailed},
		{"map", func(d *gpucoretest.Device) { d.FailMap = gpucoretest.ErrInjected }, Mapped, ErrMapFailed},
		{"allocation", func(d *gpucoretest.Device) { d.FailCreateBufferOnIndex = 2 }, BuffersAllocated, ErrBufferSizeExceedsLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := gpucoretest.New()
			tt.inject(dev)
			h := newTestHarness(t, dev)

			_, err := h.Run(context.Background(), fieldRequest(smallGrid))
			wantStageError(t, err, tt.stage, tt.kind)
			if !errors.Is(err, gpucoretest.ErrInjected) {
				t.Errorf("error = %v, want it to wrap the device error", err)
			}
			assertReleased(t, dev)
		})
	}
}

func TestRunClosed(t *testing.T) {
	dev := gpucoretest.New()
	h := newTestHarness(t, dev)
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	_, err := h.Run(context.Background(), fieldRequest(smallGrid))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Run() after Close error = %v, want ErrClosed", err)
	}
}

func TestRunLogsTransitions(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })

	dev := gpucoretest.New()
	h := newTestHarness(t, dev)

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	if _, err := h.Run(context.Background(), fieldRequest(smallGrid)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	var got []string
	for _, m := range regexp.MustCompile(`msg="gridrun: state" state=(\w+)`).FindAllStringSubmatch(buf.String(), -1) {
		got = append(got, m[1])
	}
	want := []string{
		"device_ready", "buffers_allocated", "pipeline_ready", "dispatched",
		"submitted", "mapped", "read", "unmapped",
	}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("transitions = %v, want %v", got, want)
	}
}

type nullProvider struct{}

func (nullProvider) Device() gpucontext.Device   { return nil }
func (nullProvider) Queue() gpucontext.Queue     { return nil }
func (nullProvider) Adapter() gpucontext.Adapter { return nil }
func (nullProvider) SurfaceFormat() gputypes.TextureFormat {
	return gputypes.TextureFormatUndefined
}

func TestOpenRejectsProviderWithoutHAL(t *testing.T) {
	_, err := Open(WithDeviceProvider(nullProvider{}))
	wantStageError(t, err, DeviceReady, ErrDeviceCreationFailed)
}

func TestStageError(t *testing.T) {
	cause := errors.New("driver said no")
	err := stageError(Mapped, errors.Join(ErrMapFailed, cause), ErrSubmitFailed)
	if err.Kind != ErrMapFailed {
		t.Errorf("Kind = %v, want ErrMapFailed", err.Kind)
	}
	if !errors.Is(err, cause) || !errors.Is(err, ErrMapFailed) {
		t.Error("StageError does not unwrap to kind and cause")
	}
	if !strings.HasPrefix(err.Error(), "gridrun: mapped: ") {
		t.Errorf("Error() = %q", err.Error())
	}

	unknown := stageError(Submitted, cause, ErrSubmitFailed)
	if unknown.Kind != ErrSubmitFailed {
		t.Errorf("fallback Kind = %v, want ErrSubmitFailed", unknown.Kind)
	}
	if again := stageError(Read, unknown, ErrMapFailed); again != unknown {
		t.Error("a StageError was wrapped twice")
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Uninitialized, "uninitialized"},
		{BuffersAllocated, "buffers_allocated"},
		{Unmapped, "unmapped"},
		{Failed, "failed"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
	if !Unmapped.Terminal() || !Failed.Terminal() || Submitted.Terminal() {
		t.Error("Terminal() wrong")
	}
}
