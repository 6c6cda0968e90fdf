package imageio

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	json "github.com/KevinWang15/go-json5"
	"gopkg.in/yaml.v3"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
)

// Header is the metadata that travels with a stacked image.
type Header struct {
	Background float64
	ZeroPoint  float64
	PixelScale float64
	// NFrames is the number of stacked frames; 1 when absent.
	NFrames int
	// DataScale and DataOffset convert stored 16-bit values to intensity.
	DataScale  float64
	DataOffset float64
	Band       string
	Object     string
}

// LoadHeader reads a JSON5 (.json, .json5) or YAML (.yaml, .yml) header
// sidecar. background and zero_point are required.
func LoadHeader(path string) (*Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("imageio: %w", err)
	}
	table, err := decodeTable(path, data)
	if err != nil {
		return nil, err
	}
	return headerFromTable(table, path)
}

// decodeTable parses data by file extension into a generic table.
func decodeTable(path string, data []byte) (map[string]interface{}, error) {
	var table map[string]interface{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("imageio: parsing %s: %w", path, err)
		}
	case ".json", ".json5":
		if err := json.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("imageio: parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("imageio: %s: unsupported header format %q", path, ext)
	}
	return table, nil
}

func getLeafValue(table map[string]interface{}, path ...string) (interface{}, bool) {
	var cur interface{} = table
	for _, p := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return math.NaN(), false
}

func headerFromTable(table map[string]interface{}, path string) (*Header, error) {
	const op = "imageio.LoadHeader"
	h := &Header{NFrames: 1, DataScale: 1, PixelScale: 2.5}

	required := []struct {
		key string
		dst *float64
	}{
		{"background", &h.Background},
		{"zero_point", &h.ZeroPoint},
	}
	for _, r := range required {
		v, ok := getLeafValue(table, r.key)
		if !ok {
			return nil, fiterr.Newf(op, fiterr.KindDomain, "%s: %s: %w", path, r.key, fiterr.ErrMissingHeader)
		}
		f, ok := asFloat(v)
		if !ok {
			return nil, fiterr.Newf(op, fiterr.KindDomain, "%s: %s is not a number", path, r.key)
		}
		*r.dst = f
	}

	optional := []struct {
		key string
		dst *float64
	}{
		{"pixel_scale", &h.PixelScale},
		{"data_scale", &h.DataScale},
		{"data_offset", &h.DataOffset},
	}
	for _, o := range optional {
		v, ok := getLeafValue(table, o.key)
		if !ok {
			continue
		}
		f, ok := asFloat(v)
		if !ok {
			return nil, fiterr.Newf(op, fiterr.KindDomain, "%s: %s is not a number", path, o.key)
		}
		*o.dst = f
	}
	if v, ok := getLeafValue(table, "nframes"); ok {
		f, ok := asFloat(v)
		if !ok || f < 1 || f != math.Trunc(f) {
			return nil, fiterr.Newf(op, fiterr.KindDomain, "%s: nframes %v is not a positive integer", path, v)
		}
		h.NFrames = int(f)
	}
	for _, s := range []struct {
		key string
		dst *string
	}{{"band", &h.Band}, {"object", &h.Object}} {
		if v, ok := getLeafValue(table, s.key); ok {
			str, ok := v.(string)
			if !ok {
				return nil, fiterr.Newf(op, fiterr.KindDomain, "%s: %s is not a string", path, s.key)
			}
			*s.dst = str
		}
	}
	if !(h.PixelScale > 0) || !(h.DataScale > 0) {
		return nil, fiterr.Newf(op, fiterr.KindDomain, "%s: pixel_scale and data_scale must be positive", path)
	}
	return h, nil
}
