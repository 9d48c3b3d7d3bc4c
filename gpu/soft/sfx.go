package soft

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/vkngwrapper/frame-harness/gpu"
	"github.com/vkngwrapper/frame-harness/shader"
)

// Programs for the soft device are written in a small line-oriented
// language. Each line is a directive:
//
//	stage vertex|pixel
//	entry NAME
//	in NAME float2|float3|float4     vertex: attribute semantic, pixel: varying
//	out NAME float2|float3|float4    vertex only
//	position NAME                    vertex only, input feeding the position
//	pass IN OUT                      vertex only, copies an input to an output
//	texture tN                       pixel only
//	sampler sN                       pixel only
//	sample tN sN UV                  pixel only, output is a texture sample
//	color R G B A                    pixel only, output is a constant
//
// Blank lines and lines starting with # are ignored.

// Compiler compiles soft shader source into bytecode for the soft device.
type Compiler struct{}

var _ shader.Compiler = Compiler{}

type variable struct {
	Name   string
	Format gpu.Format
}

type passthrough struct {
	From, To string
}

type sampleOp struct {
	Texture, Sampler int
	UV               string
}

type program struct {
	Stage    gpu.ShaderStage
	Entry    string
	Inputs   []variable
	Outputs  []variable
	Position string
	Passes   []passthrough
	Textures []int
	Samplers []int
	Sample   *sampleOp
	Color    [4]float32
}

func (p *program) input(name string) (variable, bool) {
	for _, v := range p.Inputs {
		if v.Name == name {
			return v, true
		}
	}
	return variable{}, false
}

func (p *program) output(name string) (variable, bool) {
	for _, v := range p.Outputs {
		if v.Name == name {
			return v, true
		}
	}
	return variable{}, false
}

var typeFormats = map[string]gpu.Format{
	"float2": gpu.FormatR32G32Float,
	"float3": gpu.FormatR32G32B32Float,
	"float4": gpu.FormatR32G32B32A32Float,
}

type diagnostics struct {
	name  string
	lines []string
}

func (d *diagnostics) addf(line int, format string, args ...any) {
	d.lines = append(d.lines, fmt.Sprintf("%s:%d: %s", d.name, line, fmt.Sprintf(format, args...)))
}

func (d *diagnostics) err() error {
	if len(d.lines) == 0 {
		return nil
	}
	return shader.NewBuildError(d.name, strings.Join(d.lines, "\n"))
}

func parseRegister(s string, prefix byte) (int, bool) {
	if len(s) < 2 || s[0] != prefix {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	return n, err == nil && n >= 0 && n < 256
}

// Compile implements shader.Compiler.
func (Compiler) Compile(name string, src []byte, entry, profile string) (gpu.ShaderBytecode, error) {
	stage, err := shader.StageOf(profile)
	if err != nil {
		return nil, shader.NewBuildError(name, err.Error())
	}
	p, err := parse(name, src)
	if err != nil {
		return nil, err
	}
	if p.Entry != entry {
		return nil, shader.NewBuildError(name, fmt.Sprintf("entry point %q not found", entry))
	}
	if p.Stage != stage {
		return nil, shader.NewBuildError(name, fmt.Sprintf("%s program cannot be compiled with profile %s", p.Stage, profile))
	}
	return p.encode(), nil
}

func parse(name string, src []byte) (*program, error) {
	d := &diagnostics{name: name}
	p := &program{Stage: -1}
	var line int
	sc := bufio.NewScanner(bytes.NewReader(src))
	for sc.Scan() {
		line++
		f := strings.Fields(sc.Text())
		if len(f) == 0 || strings.HasPrefix(f[0], "#") {
			continue
		}
		args := f[1:]
		want := func(n int) bool {
			if len(args) != n {
				d.addf(line, "%s takes %d operands, got %d", f[0], n, len(args))
				return false
			}
			return true
		}
		switch f[0] {
		case "stage":
			if !want(1) {
				continue
			}
			switch args[0] {
			case "vertex":
				p.Stage = gpu.StageVertex
			case "pixel":
				p.Stage = gpu.StagePixel
			default:
				d.addf(line, "unknown stage %q", args[0])
			}
		case "entry":
			if want(1) {
				p.Entry = args[0]
			}
		case "in", "out":
			if !want(2) {
				continue
			}
			format, ok := typeFormats[args[1]]
			if !ok {
				d.addf(line, "unknown type %q", args[1])
				continue
			}
			v := variable{Name: args[0], Format: format}
			if f[0] == "in" {
				if _, dup := p.input(v.Name); dup {
					d.addf(line, "input %s redeclared", v.Name)
				}
				p.Inputs = append(p.Inputs, v)
			} else {
				if _, dup := p.output(v.Name); dup {
					d.addf(line, "output %s redeclared", v.Name)
				}
				p.Outputs = append(p.Outputs, v)
			}
		case "position":
			if want(1) {
				p.Position = args[0]
			}
		case "pass":
			if want(2) {
				p.Passes = append(p.Passes, passthrough{From: args[0], To: args[1]})
			}
		case "texture":
			if !want(1) {
				continue
			}
			reg, ok := parseRegister(args[0], 't')
			if !ok {
				d.addf(line, "bad texture register %q", args[0])
				continue
			}
			p.Textures = append(p.Textures, reg)
		case "sampler":
			if !want(1) {
				continue
			}
			reg, ok := parseRegister(args[0], 's')
			if !ok {
				d.addf(line, "bad sampler register %q", args[0])
				continue
			}
			p.Samplers = append(p.Samplers, reg)
		case "sample":
			if !want(3) {
				continue
			}
			t, ok1 := parseRegister(args[0], 't')
			s, ok2 := parseRegister(args[1], 's')
			if !ok1 || !ok2 {
				d.addf(line, "bad register in sample")
				continue
			}
			p.Sample = &sampleOp{Texture: t, Sampler: s, UV: args[2]}
		case "color":
			if !want(4) {
				continue
			}
			for i, a := range args {
				v, err := strconv.ParseFloat(a, 32)
				if err != nil {
					d.addf(line, "bad color component %q", a)
					break
				}
				p.Color[i] = float32(v)
			}
		default:
			d.addf(line, "unknown directive %q", f[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "shader: read %s", name)
	}
	p.check(d, line)
	if err := d.err(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *program) check(d *diagnostics, last int) {
	if p.Entry == "" {
		d.addf(last, "missing entry directive")
	}
	switch p.Stage {
	case gpu.StageVertex:
		if p.Position == "" {
			d.addf(last, "vertex program does not write a position")
		} else if _, ok := p.input(p.Position); !ok {
			d.addf(last, "position reads undeclared input %s", p.Position)
		}
		for _, ps := range p.Passes {
			in, ok := p.input(ps.From)
			if !ok {
				d.addf(last, "pass reads undeclared input %s", ps.From)
				continue
			}
			out, ok := p.output(ps.To)
			if !ok {
				d.addf(last, "pass writes undeclared output %s", ps.To)
				continue
			}
			if in.Format != out.Format {
				d.addf(last, "pass %s -> %s: type mismatch", ps.From, ps.To)
			}
		}
		if p.Sample != nil || len(p.Textures) > 0 || len(p.Samplers) > 0 {
			d.addf(last, "vertex programs cannot sample textures")
		}
	case gpu.StagePixel:
		if len(p.Outputs) > 0 || len(p.Passes) > 0 || p.Position != "" {
			d.addf(last, "pixel programs cannot declare outputs")
		}
		if s := p.Sample; s != nil {
			if !contains(p.Textures, s.Texture) {
				d.addf(last, "sample uses undeclared texture t%d", s.Texture)
			}
			if !contains(p.Samplers, s.Sampler) {
				d.addf(last, "sample uses undeclared sampler s%d", s.Sampler)
			}
			if v, ok := p.input(s.UV); !ok {
				d.addf(last, "sample reads undeclared input %s", s.UV)
			} else if v.Format != gpu.FormatR32G32Float {
				d.addf(last, "sample coordinate %s must be float2", s.UV)
			}
		}
	default:
		d.addf(last, "missing stage directive")
	}
}

func contains(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

var blobMagic = [4]byte{'S', 'F', 'X', 'B'}

const blobVersion uint16 = 1

type blobWriter struct {
	buf bytes.Buffer
}

func (w *blobWriter) u8(v uint8) { w.buf.WriteByte(v) }

func (w *blobWriter) str(s string) {
	_ = binary.Write(&w.buf, binary.LittleEndian, uint16(len(s)))
	w.buf.WriteString(s)
}

func (w *blobWriter) vars(vs []variable) {
	w.u8(uint8(len(vs)))
	for _, v := range vs {
		w.str(v.Name)
		w.u8(uint8(v.Format))
	}
}

func (w *blobWriter) regs(rs []int) {
	w.u8(uint8(len(rs)))
	for _, r := range rs {
		w.u8(uint8(r))
	}
}

func (p *program) encode() gpu.ShaderBytecode {
	var w blobWriter
	w.buf.Write(blobMagic[:])
	_ = binary.Write(&w.buf, binary.LittleEndian, blobVersion)
	w.u8(uint8(p.Stage))
	w.str(p.Entry)
	w.vars(p.Inputs)
	w.vars(p.Outputs)
	w.str(p.Position)
	w.u8(uint8(len(p.Passes)))
	for _, ps := range p.Passes {
		w.str(ps.From)
		w.str(ps.To)
	}
	w.regs(p.Textures)
	w.regs(p.Samplers)
	if p.Sample != nil {
		w.u8(1)
		w.u8(uint8(p.Sample.Texture))
		w.u8(uint8(p.Sample.Sampler))
		w.str(p.Sample.UV)
	} else {
		w.u8(0)
	}
	_ = binary.Write(&w.buf, binary.LittleEndian, p.Color)
	return w.buf.Bytes()
}

type blobReader struct {
	r   *bytes.Reader
	err error
}

func (r *blobReader) read(v any) {
	if r.err == nil {
		r.err = binary.Read(r.r, binary.LittleEndian, v)
	}
}

func (r *blobReader) u8() uint8 {
	var v uint8
	r.read(&v)
	return v
}

func (r *blobReader) str() string {
	var n uint16
	r.read(&n)
	if r.err != nil {
		return ""
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return ""
	}
	return string(b)
}

func (r *blobReader) vars() []variable {
	vs := make([]variable, r.u8())
	for i := range vs {
		vs[i].Name = r.str()
		vs[i].Format = gpu.Format(r.u8())
	}
	return vs
}

func (r *blobReader) regs() []int {
	rs := make([]int, r.u8())
	for i := range rs {
		rs[i] = int(r.u8())
	}
	return rs
}

// decodeProgram parses bytecode produced by Compiler.
func decodeProgram(blob []byte) (*program, error) {
	if len(blob) < 6 || !bytes.Equal(blob[:4], blobMagic[:]) {
		return nil, errors.New("bytecode is not a soft shader blob")
	}
	r := &blobReader{r: bytes.NewReader(blob[4:])}
	var version uint16
	r.read(&version)
	if r.err == nil && version != blobVersion {
		return nil, errors.Newf("unsupported bytecode version %d", version)
	}
	p := &program{}
	p.Stage = gpu.ShaderStage(r.u8())
	p.Entry = r.str()
	p.Inputs = r.vars()
	p.Outputs = r.vars()
	p.Position = r.str()
	p.Passes = make([]passthrough, r.u8())
	for i := range p.Passes {
		p.Passes[i].From = r.str()
		p.Passes[i].To = r.str()
	}
	p.Textures = r.regs()
	p.Samplers = r.regs()
	if r.u8() == 1 {
		p.Sample = &sampleOp{Texture: int(r.u8()), Sampler: int(r.u8())}
		p.Sample.UV = r.str()
	}
	r.read(&p.Color)
	if r.err != nil {
		return nil, errors.Wrap(r.err, "truncated bytecode")
	}
	if r.r.Len() != 0 {
		return nil, errors.Newf("%d trailing bytes in bytecode", r.r.Len())
	}
	if p.Stage != gpu.StageVertex && p.Stage != gpu.StagePixel {
		return nil, errors.Newf("bad stage %d in bytecode", p.Stage)
	}
	return p, nil
}
