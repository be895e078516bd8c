package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/strata/internal/tensor"
)

// maxHeaderLen rejects absurd header sizes before allocating.
const maxHeaderLen = 100 << 20

var ErrNotFound = errors.New("safetensors: tensor not found")

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// Kind maps the file's dtype name onto a tensor.DType.
func (t TensorInfo) Kind() (tensor.DType, error) {
	switch t.DType {
	case "F32":
		return tensor.F32, nil
	case "F16":
		return tensor.F16, nil
	case "BF16":
		return tensor.BF16, nil
	default:
		return 0, fmt.Errorf("safetensors: unsupported dtype %s", t.DType)
	}
}

// File is one safetensors shard. The whole file is mapped read-only when
// the platform allows it and read into memory otherwise.
type File struct {
	Path    string
	Tensors map[string]TensorInfo

	data    []byte
	body    []byte
	mmapped bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("safetensors: %s: invalid file size %d", path, size)
	}

	sf := &File{Path: path}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err == nil {
		sf.data, sf.mmapped = data, true
	} else {
		data = make([]byte, size)
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
		}
		sf.data = data
	}
	if err := sf.parse(); err != nil {
		_ = sf.Close()
		return nil, fmt.Errorf("safetensors: %s: %w", path, err)
	}
	return sf, nil
}

func (f *File) parse() error {
	headerLen := binary.LittleEndian.Uint64(f.data[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(f.data)-8) {
		return fmt.Errorf("header length %d out of range", headerLen)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(f.data[8:8+headerLen], &raw); err != nil {
		return fmt.Errorf("parse header: %w", err)
	}
	delete(raw, "__metadata__")

	f.body = f.data[8+headerLen:]
	f.Tensors = make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(f.body)) {
			return fmt.Errorf("tensor %s: offsets [%d, %d) outside data of %d bytes", name, start, end, len(f.body))
		}
		f.Tensors[name] = TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}
	}
	return nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// ReadTensor returns the raw bytes of name. The slice aliases the mapping and
// is valid until Close.
func (f *File) ReadTensor(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f.body[t.Start:t.End], t, nil
}

// ReadTensorF32 decodes name into a fresh float32 slice.
func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.ReadTensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	kind, err := info.Kind()
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	t, err := tensor.New(kind, info.Shape, raw)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	return t.Float32(), info, nil
}

func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data, f.body = nil, nil
	return err
}
