package wasm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// wasmMagic/wasmVersion are the fixed header WebAssembly 1.0 binaries begin
// with.
var wasmMagic = [4]byte{0x00, 0x61, 0x73, 0x6d}
var wasmVersion = [4]byte{0x01, 0x00, 0x00, 0x00}

const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secTable    = 4
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secStart    = 8
	secElement  = 9
	secCode     = 10
	secData     = 11
)

// DecodeModule parses the subset of the WebAssembly binary format needed to
// exercise the single-pass code generator end to end (spec §4.7): type,
// import, function, table, memory, global, export, start and code
// sections. Anything else (element/data segments, custom sections) is
// skipped by length, not interpreted. Malformed input returns an error
// rather than panicking.
func DecodeModule(r io.Reader) (*Module, error) {
	br := bufio.NewReader(r)

	var header [8]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return nil, fmt.Errorf("wasm: reading header: %w", err)
	}
	if !bytes.Equal(header[:4], wasmMagic[:]) {
		return nil, fmt.Errorf("wasm: bad magic")
	}
	if !bytes.Equal(header[4:], wasmVersion[:]) {
		return nil, fmt.Errorf("wasm: unsupported version")
	}

	m := &Module{Exports: map[string]*Export{}}
	var funcTypeIndices []Index // function-section entries, imports excluded

	for {
		id, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("wasm: reading section id: %w", err)
		}
		size, err := readU32(br)
		if err != nil {
			return nil, fmt.Errorf("wasm: reading section size: %w", err)
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("wasm: reading section body: %w", err)
		}
		sr := bufio.NewReader(bytes.NewReader(body))

		switch id {
		case secType:
			if err := decodeTypeSection(sr, m); err != nil {
				return nil, err
			}
		case secImport:
			if err := decodeImportSection(sr, m); err != nil {
				return nil, err
			}
		case secFunction:
			n, err := readU32(sr)
			if err != nil {
				return nil, err
			}
			for i := uint32(0); i < n; i++ {
				ti, err := readU32(sr)
				if err != nil {
					return nil, err
				}
				funcTypeIndices = append(funcTypeIndices, ti)
			}
		case secTable:
			if err := decodeTableSection(sr, m); err != nil {
				return nil, err
			}
		case secMemory:
			if err := decodeMemorySection(sr, m); err != nil {
				return nil, err
			}
		case secGlobal:
			if err := decodeGlobalSection(sr, m); err != nil {
				return nil, err
			}
		case secExport:
			if err := decodeExportSection(sr, m); err != nil {
				return nil, err
			}
		case secStart:
			idx, err := readU32(sr)
			if err != nil {
				return nil, err
			}
			m.StartFunction = &idx
		case secCode:
			if err := decodeCodeSection(sr, m); err != nil {
				return nil, err
			}
		default:
			// Element/data/custom sections are out of scope for the core
			// code generator; already consumed by length above.
		}
	}

	for _, im := range m.Imports {
		if im.Kind == ExternFunction {
			m.FunctionSignatures = append(m.FunctionSignatures, im.TypeIndex)
		}
	}
	for _, ti := range funcTypeIndices {
		m.FunctionSignatures = append(m.FunctionSignatures, ti)
	}
	return m, nil
}

func decodeValueType(r *bufio.Reader) (ValueType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	switch ValueType(b) {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64:
		return ValueType(b), nil
	}
	return 0, fmt.Errorf("wasm: bad value type %#x", b)
}

func decodeTypeSection(r *bufio.Reader, m *Module) error {
	n, err := readU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("wasm: bad func type form %#x", form)
		}
		ft := &FunctionType{}
		np, err := readU32(r)
		if err != nil {
			return err
		}
		for j := uint32(0); j < np; j++ {
			vt, err := decodeValueType(r)
			if err != nil {
				return err
			}
			ft.Params = append(ft.Params, vt)
		}
		nr, err := readU32(r)
		if err != nil {
			return err
		}
		if nr > 1 {
			return fmt.Errorf("wasm: multi-value results are a non-goal")
		}
		for j := uint32(0); j < nr; j++ {
			vt, err := decodeValueType(r)
			if err != nil {
				return err
			}
			ft.Results = append(ft.Results, vt)
		}
		m.Signatures = append(m.Signatures, ft)
	}
	return nil
}

func readLimits(r *bufio.Reader) (Limits, error) {
	flag, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	min, err := readU32(r)
	if err != nil {
		return Limits{}, err
	}
	l := Limits{Min: min}
	if flag == 1 {
		max, err := readU32(r)
		if err != nil {
			return Limits{}, err
		}
		l.Max = &max
	}
	return l, nil
}

func readName(r *bufio.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func decodeImportSection(r *bufio.Reader, m *Module) error {
	n, err := readU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		mod, err := readName(r)
		if err != nil {
			return err
		}
		field, err := readName(r)
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		imp := &Import{Module: mod, Field: field, Kind: ExternKind(kind)}
		switch ExternKind(kind) {
		case ExternFunction:
			ti, err := readU32(r)
			if err != nil {
				return err
			}
			imp.TypeIndex = ti
			m.NumImportedFunctions++
		case ExternTable:
			if _, err := r.ReadByte(); err != nil { // elem type, always anyfunc
				return err
			}
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			imp.TableType = &TableType{Limits: lim}
			m.NumImportedTables++
		case ExternMemory:
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			imp.MemType = &MemoryType{Limits: lim, Class: MemoryDynamic}
			m.NumImportedMemories++
		case ExternGlobal:
			vt, err := decodeValueType(r)
			if err != nil {
				return err
			}
			mutByte, err := r.ReadByte()
			if err != nil {
				return err
			}
			imp.GlobalType = &GlobalType{ValType: vt, Mutable: mutByte == 1}
			m.NumImportedGlobals++
		default:
			return fmt.Errorf("wasm: bad import kind %#x", kind)
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func decodeTableSection(r *bufio.Reader, m *Module) error {
	n, err := readU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		if _, err := r.ReadByte(); err != nil {
			return err
		}
		lim, err := readLimits(r)
		if err != nil {
			return err
		}
		m.Tables = append(m.Tables, &TableType{Limits: lim})
	}
	return nil
}

func decodeMemorySection(r *bufio.Reader, m *Module) error {
	n, err := readU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		lim, err := readLimits(r)
		if err != nil {
			return err
		}
		class := MemoryDynamic
		if lim.Max != nil {
			class = MemoryStatic
		}
		m.Memories = append(m.Memories, &MemoryType{Limits: lim, Class: class})
	}
	return nil
}

func decodeGlobalSection(r *bufio.Reader, m *Module) error {
	n, err := readU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		vt, err := decodeValueType(r)
		if err != nil {
			return err
		}
		mutByte, err := r.ReadByte()
		if err != nil {
			return err
		}
		init, err := decodeConstExpr(r, vt)
		if err != nil {
			return err
		}
		m.Globals = append(m.Globals, &GlobalType{ValType: vt, Mutable: mutByte == 1})
		m.GlobalInits = append(m.GlobalInits, init)
	}
	return nil
}

func decodeConstExpr(r *bufio.Reader, vt ValueType) (*GlobalInit, error) {
	op, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	init := &GlobalInit{}
	switch op {
	case 0x41: // i32.const
		v, err := readI32(r)
		if err != nil {
			return nil, err
		}
		init.Value = uint64(uint32(v))
	case 0x42: // i64.const
		v, err := readI64(r)
		if err != nil {
			return nil, err
		}
		init.Value = uint64(v)
	case 0x43: // f32.const
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		init.Value = uint64(binary.LittleEndian.Uint32(buf[:]))
	case 0x44: // f64.const
		var buf [8]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, err
		}
		init.Value = binary.LittleEndian.Uint64(buf[:])
	case 0x23: // get_global (imported, immutable)
		idx, err := readU32(r)
		if err != nil {
			return nil, err
		}
		init.IsImportedGlobal = true
		init.ImportedIndex = idx
	default:
		return nil, fmt.Errorf("wasm: unsupported const expr opcode %#x", op)
	}
	end, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if end != 0x0B {
		return nil, fmt.Errorf("wasm: const expr missing end opcode")
	}
	return init, nil
}

func decodeExportSection(r *bufio.Reader, m *Module) error {
	n, err := readU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		name, err := readName(r)
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		idx, err := readU32(r)
		if err != nil {
			return err
		}
		e := &Export{Name: name, Kind: ExternKind(kind), Index: idx}
		m.Exports[name] = e
	}
	return nil
}

func decodeCodeSection(r *bufio.Reader, m *Module) error {
	n, err := readU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		bodySize, err := readU32(r)
		if err != nil {
			return err
		}
		body := make([]byte, bodySize)
		if _, err := io.ReadFull(r, body); err != nil {
			return err
		}
		m.CodeBodies = append(m.CodeBodies, body)
	}
	return nil
}

// DecodeLocalDeclarations parses a function body's local-variable
// declaration prefix (count-of-groups, then (count, type) pairs) and
// returns the remaining bytes, which are the raw operator stream.
func DecodeLocalDeclarations(body []byte) (counts []uint32, types []ValueType, rest []byte, err error) {
	cr := &countingReader{r: bytes.NewReader(body)}
	br := bufio.NewReader(cr)
	n, err := readU32(br)
	if err != nil {
		return nil, nil, nil, err
	}
	for i := uint32(0); i < n; i++ {
		c, err := readU32(br)
		if err != nil {
			return nil, nil, nil, err
		}
		vt, err := decodeValueType(br)
		if err != nil {
			return nil, nil, nil, err
		}
		counts = append(counts, c)
		types = append(types, vt)
	}
	off := cr.n - br.Buffered()
	return counts, types, body[off:], nil
}

// countingReader tracks exactly how many bytes have been pulled from the
// underlying reader, independent of how far ahead the wrapping bufio.Reader
// has buffered, so callers can recover "byte offset consumed so far".
type countingReader struct {
	r *bytes.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}
