package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/qat/internal/tensor"
)

const headerAlign = 8

// Write stores tensors at path, each in its own DType, with the given
// metadata under __metadata__. Tensors are laid out in name order and are
// written as [R, C].
func Write(path string, tensors map[string]*tensor.Mat, metadata map[string]string) (err error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var off int64
	for _, name := range names {
		m := tensors[name]
		if m.IsPlaceholder() {
			return fmt.Errorf("safetensors: tensor %s: %w", name, tensor.ErrPlaceholder)
		}
		if m.DType.Size() == 0 {
			return fmt.Errorf("safetensors: tensor %s: unsupported dtype %s", name, m.DType)
		}
		n := int64(m.Len() * m.DType.Size())
		header[name] = tensorHeader{
			DType:       m.DType.String(),
			Shape:       []int{m.R, m.C},
			DataOffsets: []int64{off, off + n},
		}
		off += n
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("safetensors: encode header: %w", err)
	}
	for len(hb)%headerAlign != 0 {
		hb = append(hb, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f)

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hb)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	for _, name := range names {
		if _, err := w.Write(encode(tensors[name])); err != nil {
			return fmt.Errorf("safetensors: write tensor %s: %w", name, err)
		}
	}
	return w.Flush()
}

func encode(m *tensor.Mat) []byte {
	buf := make([]byte, m.Len()*m.DType.Size())
	switch m.DType {
	case tensor.F32:
		for i, v := range m.Data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	case tensor.F16:
		for i, v := range m.Data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
		}
	case tensor.BF16:
		copy(buf, bfloat16.EncodeFloat32(m.Cast(tensor.BF16).Data))
	case tensor.I32:
		for i, v := range m.Data {
			binary.LittleEndian.PutUint32(buf[i*4:], uint32(int32(tensor.I32.Cast(v))))
		}
	case tensor.I8:
		for i, v := range m.Data {
			buf[i] = byte(int8(tensor.I8.Cast(v)))
		}
	case tensor.U8:
		for i, v := range m.Data {
			buf[i] = uint8(tensor.U8.Cast(v))
		}
	}
	return buf
}
