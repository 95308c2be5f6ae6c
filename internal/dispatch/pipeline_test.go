package dispatch

import (
	"errors"
	"strings"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gridrun/internal/gpucore"
	"github.com/gogpu/gridrun/internal/gpucore/gpucoretest"
	"github.com/gogpu/gridrun/internal/wgsl"
)

const fieldKernel = `
struct ScalarField { density: f32 }
struct Mesh { vertices: array<vec3<u32>> }

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
    if (field.density > 0.0) {
        mesh.vertices[index] = id;
    }
}
`

func buildSpec(kernel string) PipelineSpec {
	return PipelineSpec{
		Kernel:   kernel,
		Bindings: DefaultBindSpec(scalarField, meshVertex, false),
		Grid:     fieldGrid,
		Label:    "test",
	}
}

func TestBuild(t *testing.T) {
	dev := gpucoretest.New()
	p, err := Build(dev, buildSpec(fieldKernel))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer p.Release()

	if p.EntryPoint != "main" {
		t.Errorf("EntryPoint = %q, want main", p.EntryPoint)
	}
	for _, want := range []string{
		"const workgroup_size_x: u32 = 8u;",
		"const workgroup_size_z: u32 = 4u;",
		"const dispatch_count_y: u32 = 32u;",
	} {
		if !strings.Contains(p.Source, want) {
			t.Errorf("specialized source lacks %q", want)
		}
	}
	sources := dev.ShaderSources()
	if len(sources) != 1 || sources[0] != p.Source {
		t.Error("device did not receive the specialized source")
	}
	for _, id := range []uint64{uint64(p.Module), uint64(p.BindGroupLayout), uint64(p.Layout), uint64(p.Pipeline)} {
		if id == gpucore.InvalidID {
			t.Fatalf("pipeline has unset resource: %+v", p)
		}
	}
}

func TestBuildMissingEntryPoint(t *testing.T) {
	dev := gpucoretest.New()
	kernel := strings.Replace(fieldKernel, "fn main(", "fn compute_main(", 1)

	_, err := Build(dev, buildSpec(kernel))
	if !errors.Is(err, gpucore.ErrShaderCompileError) {
		t.Fatalf("Build() error = %v, want ErrShaderCompileError", err)
	}
	if !strings.Contains(err.Error(), "compute_main") {
		t.Errorf("error should list the entry points found: %v", err)
	}
	if dev.Called("CreateShaderModule") {
		t.Error("kernel compiled despite missing entry point")
	}
}

func TestBuildCustomEntryPoint(t *testing.T) {
	dev := gpucoretest.New()
	spec := buildSpec(strings.Replace(fieldKernel, "fn main(", "fn compute_main(", 1))
	spec.EntryPoint = "compute_main"
	p, err := Build(dev, spec)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	p.Release()
}

func TestBuildWorkgroupSizeExpression(t *testing.T) {
	dev := gpucoretest.New()
	kernel := strings.Replace(fieldKernel,
		"@workgroup_size(workgroup_size_x, workgroup_size_y, workgroup_size_z)",
		"@workgroup_size(max(workgroup_size_x, 2u), min(workgroup_size_y, 8u), 1)", 1)
	p, err := Build(dev, buildSpec(kernel))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer p.Release()
	if !strings.Contains(p.Source, "@workgroup_size(max(workgroup_size_x, 2u), min(workgroup_size_y, 8u), 1)") {
		t.Error("workgroup size expression must survive specialization")
	}
}

func TestBuildInvalidKernel(t *testing.T) {
	dev := gpucoretest.New()
	_, err := Build(dev, buildSpec("@compute @workgroup_size(1) fn main( {"))
	if !errors.Is(err, gpucore.ErrShaderCompileError) {
		t.Fatalf("Build() error = %v, want ErrShaderCompileError", err)
	}
	if len(dev.Calls()) != 0 {
		t.Errorf("device used for a kernel that does not parse: %v", dev.Calls())
	}
}

func TestBuildThreeSlotLayout(t *testing.T) {
	dev := gpucoretest.New()
	spec := buildSpec(fieldKernel)
	spec.Bindings = append(spec.Bindings, Slot{
		Binding: 2, Type: gputypes.BufferBindingTypeStorage, MinSize: 16, Role: RoleOutput,
	})

	_, err := Build(dev, spec)
	if !errors.Is(err, gpucore.ErrBindGroupMismatch) {
		t.Fatalf("Build() error = %v, want ErrBindGroupMismatch", err)
	}
	if len(dev.Calls()) != 0 {
		t.Errorf("device used before the mismatch was reported: %v", dev.Calls())
	}
}

func TestBuildUnboundOverride(t *testing.T) {
	dev := gpucoretest.New()
	kernel := "override scale: f32;\n" + fieldKernel
	_, err := Build(dev, buildSpec(kernel))
	if !errors.Is(err, gpucore.ErrShaderCompileError) {
		t.Fatalf("Build() error = %v, want ErrShaderCompileError", err)
	}
	if !strings.Contains(err.Error(), "scale") {
		t.Errorf("error should name the override: %v", err)
	}
}

func TestBuildDeviceFailures(t *testing.T) {
	tests := []struct {
		name   string
		inject func(*gpucoretest.Device)
		want   error
	}{
		{"compile", func(d *gpucoretest.Device) { d.FailShaderModule = gpucoretest.ErrInjected }, gpucore.ErrShaderCompileError},
		{"bind group layout", func(d *gpucoretest.Device) { d.FailBindGroupLayout = gpucoretest.ErrInjected }, gpucore.ErrBindGroupMismatch},
		{"pipeline layout", func(d *gpucoretest.Device) { d.FailPipelineLayout = gpucoretest.ErrInjected }, gpucore.ErrBindGroupMismatch},
		{"pipeline", func(d *gpucoretest.Device) { d.FailComputePipeline = gpucoretest.ErrInjected }, gpucore.ErrShaderCompileError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := gpucoretest.New()
			tt.inject(dev)
			_, err := Build(dev, buildSpec(fieldKernel))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Build() error = %v, want %v", err, tt.want)
			}
			if live := dev.LiveResources(); len(live) != 0 {
				t.Errorf("resources alive after failed Build: %v", live)
			}
		})
	}
}

func TestBind(t *testing.T) {
	dev := gpucoretest.New()
	b, err := Allocate(dev, BufferSpec{Input: make([]byte, 4), In: scalarField, Out: meshVertex, Grid: smallGrid})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer b.Release()
	spec := buildSpec(fieldKernel)
	spec.Grid = smallGrid
	p, err := Build(dev, spec)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer p.Release()

	if err := p.Bind(b, "test"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if p.BindGroup == gpucore.InvalidID {
		t.Error("BindGroup not set")
	}
}

func TestBindFailure(t *testing.T) {
	dev := gpucoretest.New()
	b, err := Allocate(dev, BufferSpec{Input: make([]byte, 4), In: scalarField, Out: meshVertex, Grid: smallGrid})
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	defer b.Release()
	p, err := Build(dev, buildSpec(fieldKernel))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer p.Release()

	dev.FailBindGroup = gpucoretest.ErrInjected
	if err := p.Bind(b, "test"); !errors.Is(err, gpucore.ErrBindGroupMismatch) {
		t.Errorf("Bind() error = %v, want ErrBindGroupMismatch", err)
	}
	if err := p.Bind(NewBuffers(dev, ""), "test"); !errors.Is(err, gpucore.ErrBindGroupMismatch) {
		t.Errorf("Bind() without buffers error = %v, want ErrBindGroupMismatch", err)
	}
}

func TestPipelineReleaseIdempotent(t *testing.T) {
	dev := gpucoretest.New()
	p, err := Build(dev, buildSpec(fieldKernel))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	p.Release()
	p.Release()
	if live := dev.LiveResources(); len(live) != 0 {
		t.Errorf("resources alive after Release: %v", live)
	}
}

func TestCheckBindings(t *testing.T) {
	readOnly := gputypes.BufferBindingTypeReadOnlyStorage
	storage := gputypes.BufferBindingTypeStorage
	uniform := gputypes.BufferBindingTypeUniform
	twoSlots := func(in, out gputypes.BufferBindingType) BindSpec {
		return BindSpec{
			{Binding: 0, Type: in, MinSize: 4, Role: RoleInput},
			{Binding: 1, Type: out, MinSize: 4, Role: RoleOutput},
		}
	}
	const use = "\n@compute @workgroup_size(1) fn main() { let a = src[0]; dst[0] = a; }\n"

	tests := []struct {
		name    string
		kernel  string
		spec    BindSpec
		wantErr bool
	}{
		{
			name: "read-only input, storage output",
			kernel: "@group(0) @binding(0) var<storage, read> src: array<u32>;\n" +
				"@group(0) @binding(1) var<storage, read_write> dst: array<u32>;" + use,
			spec: twoSlots(readOnly, storage),
		},
		{
			name: "read kernel accepts read-write slot",
			kernel: "@group(0) @binding(0) var<storage> src: array<u32>;\n" +
				"@group(0) @binding(1) var<storage, read_write> dst: array<u32>;" + use,
			spec: twoSlots(storage, storage),
		},
		{
			name: "uniform input",
			kernel: "@group(0) @binding(0) var<uniform> src: vec4<u32>;\n" +
				"@group(0) @binding(1) var<storage, read_write> dst: array<u32>;" + use,
			spec: twoSlots(uniform, storage),
		},
		{
			name: "uniform kernel against storage slot",
			kernel: "@group(0) @binding(0) var<uniform> src: vec4<u32>;\n" +
				"@group(0) @binding(1) var<storage, read_write> dst: array<u32>;" + use,
			spec:    twoSlots(readOnly, storage),
			wantErr: true,
		},
		{
			name: "write into read-only slot",
			kernel: "@group(0) @binding(0) var<storage, read> src: array<u32>;\n" +
				"@group(0) @binding(1) var<storage, read_write> dst: array<u32>;" + use,
			spec:    twoSlots(readOnly, readOnly),
			wantErr: true,
		},
		{
			name: "binding in group 1",
			kernel: "@group(0) @binding(0) var<storage, read> src: array<u32>;\n" +
				"@group(1) @binding(1) var<storage, read_write> dst: array<u32>;" + use,
			spec:    twoSlots(readOnly, storage),
			wantErr: true,
		},
		{
			name: "kernel binding without slot",
			kernel: "@group(0) @binding(0) var<storage, read> src: array<u32>;\n" +
				"@group(0) @binding(3) var<storage, read_write> dst: array<u32>;" + use,
			spec:    twoSlots(readOnly, storage),
			wantErr: true,
		},
		{
			name: "unreferenced declaration is ignored",
			kernel: "@group(0) @binding(0) var<storage, read> src: array<u32>;\n" +
				"@group(0) @binding(1) var<storage, read_write> dst: array<u32>;\n" +
				"@group(2) @binding(0) var<storage, read_write> spare: array<u32>;" + use,
			spec: twoSlots(readOnly, storage),
		},
		{
			name: "binding used by another entry point is ignored",
			kernel: "@group(0) @binding(0) var<storage, read> src: array<u32>;\n" +
				"@group(0) @binding(1) var<storage, read_write> dst: array<u32>;\n" +
				"@group(0) @binding(2) var<storage, read_write> spare: array<u32>;\n" +
				"@compute @workgroup_size(1) fn other() { spare[0] = 1u; }" + use,
			spec: twoSlots(readOnly, storage),
		},
		{
			name: "duplicate slot",
			kernel: "@group(0) @binding(0) var<storage, read> src: array<u32>;\n" +
				"@group(0) @binding(1) var<storage, read_write> dst: array<u32>;" + use,
			spec:    BindSpec{{Binding: 0, Type: readOnly}, {Binding: 0, Type: storage}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := wgsl.Reflect(tt.kernel)
			if err != nil {
				t.Fatalf("Reflect() error = %v", err)
			}
			ep, ok := m.EntryPoint("main", wgsl.StageCompute)
			if !ok {
				t.Fatal("entry point main not found")
			}
			err = CheckBindings(ep, tt.spec)
			if tt.wantErr {
				if !errors.Is(err, gpucore.ErrBindGroupMismatch) {
					t.Errorf("CheckBindings() = %v, want ErrBindGroupMismatch", err)
				}
				return
			}
			if err != nil {
				t.Errorf("CheckBindings() = %v", err)
			}
		})
	}
}
