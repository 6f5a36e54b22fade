// Package wasmtest assembles small WebAssembly modules for tests.
//
//	m := wasmtest.New("app")
//	write := m.ImportFdWrite()
//	m.Func("main", nil, nil, m.Print(write, "hello\n"))
//	bin := m.Bytes()
package wasmtest

import (
	"bytes"
	"encoding/binary"
)

// ValType is a core value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

const (
	opUnreachable = 0x00
	opEnd         = 0x0b
	opCall        = 0x10
	opDrop        = 0x1a
	opLocalGet    = 0x20
	opI32Const    = 0x41
	opI64Const    = 0x42
)

// dataBase is the first offset handed out by Text and alloc.
const dataBase = 64

type funcType struct {
	params  []ValType
	results []ValType
}

type importFunc struct {
	module string
	name   string
	typ    uint32
}

type function struct {
	export string
	typ    uint32
	body   []byte
}

type segment struct {
	offset uint32
	data   []byte
}

// Module is a module under construction.
type Module struct {
	name    string
	types   []funcType
	imports []importFunc
	funcs   []function
	data    []segment
	memory  bool
	next    uint32
}

// New starts a module. A non-empty name is emitted in the name section.
func New(name string) *Module {
	return &Module{name: name, next: dataBase}
}

func (m *Module) addType(params, results []ValType) uint32 {
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

// Import declares an imported function and returns its function index.
// All imports must be declared before the first Func.
func (m *Module) Import(module, name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmtest: Import after Func")
	}
	m.imports = append(m.imports, importFunc{module: module, name: name, typ: m.addType(params, results)})
	return uint32(len(m.imports) - 1)
}

// ImportFdWrite imports wasi_snapshot_preview1.fd_write.
func (m *Module) ImportFdWrite() uint32 {
	return m.Import("wasi_snapshot_preview1", "fd_write", []ValType{I32, I32, I32, I32}, []ValType{I32})
}

// ImportProcExit imports wasi_snapshot_preview1.proc_exit.
func (m *Module) ImportProcExit() uint32 {
	return m.Import("wasi_snapshot_preview1", "proc_exit", []ValType{I32}, nil)
}

// ImportSpawn imports isolate.spawn.
func (m *Module) ImportSpawn() uint32 {
	return m.Import("isolate", "spawn", []ValType{I32, I32}, []ValType{I32})
}

// ImportPost imports isolate.post.
func (m *Module) ImportPost() uint32 {
	return m.Import("isolate", "post", []ValType{I64}, nil)
}

// Func defines a function, exported under export when non-empty, and returns
// its function index. The body must not include the final end opcode.
func (m *Module) Func(export string, params, results []ValType, body ...[]byte) uint32 {
	m.funcs = append(m.funcs, function{
		export: export,
		typ:    m.addType(params, results),
		body:   bytes.Join(body, nil),
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Memory declares an exported one-page memory.
func (m *Module) Memory() { m.memory = true }

// Text places s in memory and returns its address and length.
func (m *Module) Text(s string) (ptr, length uint32) {
	ptr = m.alloc(uint32(len(s)))
	m.data = append(m.data, segment{offset: ptr, data: []byte(s)})
	return ptr, uint32(len(s))
}

func (m *Module) alloc(n uint32) uint32 {
	m.memory = true
	ptr := m.next
	m.next += (n + 7) &^ 7
	return ptr
}

// Print returns instructions that write text to stdout through fdWrite.
func (m *Module) Print(fdWrite uint32, text string) []byte {
	ptr, length := m.Text(text)
	iov := m.alloc(8)
	var vec [8]byte
	binary.LittleEndian.PutUint32(vec[0:], ptr)
	binary.LittleEndian.PutUint32(vec[4:], length)
	m.data = append(m.data, segment{offset: iov, data: vec[:]})
	written := m.alloc(4)
	return bytes.Join([][]byte{
		I32Const(1), I32Const(int32(iov)), I32Const(1), I32Const(int32(written)),
		Call(fdWrite), Drop(),
	}, nil)
}

// Spawn returns instructions that spawn entrypoint through spawnFn and drop the status.
func (m *Module) Spawn(spawnFn uint32, entrypoint string) []byte {
	ptr, length := m.Text(entrypoint)
	return bytes.Join([][]byte{I32Const(int32(ptr)), I32Const(int32(length)), Call(spawnFn), Drop()}, nil)
}

func I32Const(v int32) []byte { return append([]byte{opI32Const}, sleb(int64(v))...) }
func I64Const(v int64) []byte { return append([]byte{opI64Const}, sleb(v)...) }
func Call(idx uint32) []byte  { return append([]byte{opCall}, uleb(idx)...) }
func LocalGet(i uint32) []byte {
	return append([]byte{opLocalGet}, uleb(i)...)
}
func Drop() []byte        { return []byte{opDrop} }
func Unreachable() []byte { return []byte{opUnreachable} }

// Bytes encodes the module.
func (m *Module) Bytes() []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	if len(m.types) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint32(len(m.types))))
		for _, t := range m.types {
			s.WriteByte(0x60)
			s.Write(valTypes(t.params))
			s.Write(valTypes(t.results))
		}
		section(&out, 1, s.Bytes())
	}

	if len(m.imports) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint32(len(m.imports))))
		for _, imp := range m.imports {
			s.Write(name(imp.module))
			s.Write(name(imp.name))
			s.WriteByte(0x00)
			s.Write(uleb(imp.typ))
		}
		section(&out, 2, s.Bytes())
	}

	if len(m.funcs) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint32(len(m.funcs))))
		for _, f := range m.funcs {
			s.Write(uleb(f.typ))
		}
		section(&out, 3, s.Bytes())
	}

	if m.memory {
		section(&out, 5, []byte{0x01, 0x00, 0x01})
	}

	exports := 0
	var ex bytes.Buffer
	for i, f := range m.funcs {
		if f.export == "" {
			continue
		}
		exports++
		ex.Write(name(f.export))
		ex.WriteByte(0x00)
		ex.Write(uleb(uint32(len(m.imports) + i)))
	}
	if m.memory {
		exports++
		ex.Write(name("memory"))
		ex.WriteByte(0x02)
		ex.Write(uleb(0))
	}
	if exports > 0 {
		section(&out, 7, append(uleb(uint32(exports)), ex.Bytes()...))
	}

	if len(m.funcs) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint32(len(m.funcs))))
		for _, f := range m.funcs {
			body := append([]byte{0x00}, f.body...) // no locals
			body = append(body, opEnd)
			s.Write(uleb(uint32(len(body))))
			s.Write(body)
		}
		section(&out, 10, s.Bytes())
	}

	if len(m.data) > 0 {
		var s bytes.Buffer
		s.Write(uleb(uint32(len(m.data))))
		for _, d := range m.data {
			s.WriteByte(0x00)
			s.Write(I32Const(int32(d.offset)))
			s.WriteByte(opEnd)
			s.Write(uleb(uint32(len(d.data))))
			s.Write(d.data)
		}
		section(&out, 11, s.Bytes())
	}

	if m.name != "" {
		var s bytes.Buffer
		s.Write(name("name"))
		sub := name(m.name)
		s.WriteByte(0x00)
		s.Write(uleb(uint32(len(sub))))
		s.Write(sub)
		section(&out, 0, s.Bytes())
	}

	return out.Bytes()
}

func section(out *bytes.Buffer, id byte, payload []byte) {
	out.WriteByte(id)
	out.Write(uleb(uint32(len(payload))))
	out.Write(payload)
}

func valTypes(ts []ValType) []byte {
	out := uleb(uint32(len(ts)))
	for _, t := range ts {
		out = append(out, byte(t))
	}
	return out
}

func name(s string) []byte {
	return append(uleb(uint32(len(s))), s...)
}

func uleb(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}
