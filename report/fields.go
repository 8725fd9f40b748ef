package report

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfluke/multigrid/mesh"
	"github.com/openfluke/multigrid/mg"
)

// FieldsIndex is the XDMF file WriteFields places next to the raw arrays.
const FieldsIndex = "fields.xmf"

// Snapshot copies every field of the finest level back to the host. The
// solver must not be closed yet.
func Snapshot(s *mg.Solver) (mesh.Descriptor, map[string][]float32, error) {
	lvl, err := s.Hierarchy().Finest()
	if err != nil {
		return mesh.Descriptor{}, nil, err
	}
	out := make(map[string][]float32, len(mg.Fields))
	for _, f := range mg.Fields {
		v, err := s.Hierarchy().Snapshot(0, f)
		if err != nil {
			return mesh.Descriptor{}, nil, err
		}
		out[f.String()] = v
	}
	return lvl.Mesh, out, nil
}

// WriteFields stores each field as <dir>/<name>.raw, little-endian float32 in
// x-fastest order, and describes them as cell data of a uniform grid in an
// XDMF index readable by ParaView.
func WriteFields(dir string, m mesh.Descriptor, fields map[string][]float32) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	names := make([]string, 0, len(fields))
	for _, f := range mg.Fields {
		if _, ok := fields[f.String()]; ok {
			names = append(names, f.String())
		}
	}
	if len(names) != len(fields) {
		return fmt.Errorf("report: fields must be named after %v", mg.Fields)
	}
	for _, name := range names {
		v := fields[name]
		if len(v) != m.Total {
			return fmt.Errorf("report: field %s has %d values for %d elements", name, len(v), m.Total)
		}
		if err := writeRaw(filepath.Join(dir, name+".raw"), v); err != nil {
			return err
		}
	}
	return writeIndex(filepath.Join(dir, FieldsIndex), m, names)
}

func writeRaw(path string, v []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, v); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// XDMF lists dimensions slowest first; the topology counts nodes.
func writeIndex(path string, m mesh.Descriptor, names []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	nx, ny, nz := m.Dims[0], m.Dims[1], m.Dims[2]
	h := m.CellSize
	fmt.Fprintf(w, "<?xml version=\"1.0\" ?>\n<Xdmf Version=\"3.0\">\n <Domain>\n  <Grid Name=\"finest\" GridType=\"Uniform\">\n")
	fmt.Fprintf(w, "   <Topology TopologyType=\"3DCoRectMesh\" Dimensions=\"%d %d %d\"/>\n", nz+1, ny+1, nx+1)
	fmt.Fprintf(w, "   <Geometry GeometryType=\"ORIGIN_DXDYDZ\">\n")
	fmt.Fprintf(w, "    <DataItem Format=\"XML\" Dimensions=\"3\">0 0 0</DataItem>\n")
	fmt.Fprintf(w, "    <DataItem Format=\"XML\" Dimensions=\"3\">%g %g %g</DataItem>\n", h, h, h)
	fmt.Fprintf(w, "   </Geometry>\n")
	for _, name := range names {
		fmt.Fprintf(w, "   <Attribute Name=\"%s\" Center=\"Cell\">\n", name)
		fmt.Fprintf(w, "    <DataItem Format=\"Binary\" Endian=\"Little\" NumberType=\"Float\" Precision=\"4\" Dimensions=\"%d %d %d\">%s.raw</DataItem>\n", nz, ny, nx, name)
		fmt.Fprintf(w, "   </Attribute>\n")
	}
	fmt.Fprintf(w, "  </Grid>\n </Domain>\n</Xdmf>\n")
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
