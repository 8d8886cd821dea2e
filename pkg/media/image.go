// Package media stores images as CoValues in several resolutions and
// loads them progressively, smallest first.
//
// An image definition is a CoMap holding the original size, a tiny
// placeholder as a data URL, and one "<width>x<height>" key per stored
// resolution pointing at a binary CoMap.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"regexp"
	"strconv"

	"golang.org/x/image/draw"

	"github.com/gezibash/arc-sync/pkg/covalue"
	arcerrors "github.com/gezibash/arc-sync/pkg/errors"
)

// Image definition keys.
const (
	KeyOriginalSize = "originalSize"
	KeyPlaceholder  = "placeholderDataURL"
)

const placeholderSize = 8

// Steps are the bounding boxes of the downscaled copies CreateImage writes.
var Steps = []int{256, 1024, 2048}

var resolutionKey = regexp.MustCompile(`^(\d+)x(\d+)$`)

// ParseResolution splits a "<width>x<height>" key.
func ParseResolution(key string) (width, height int, ok bool) {
	m := resolutionKey.FindStringSubmatch(key)
	if m == nil {
		return 0, 0, false
	}
	w, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	h, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return w, h, true
}

// ResolutionKey formats a "<width>x<height>" key.
func ResolutionKey(width, height int) string {
	return strconv.Itoa(width) + "x" + strconv.Itoa(height)
}

type createOptions struct {
	maxSize int
	privacy covalue.Privacy
}

// CreateOption configures CreateImage.
type CreateOption func(*createOptions)

// WithMaxSize stops after the step of the given size and skips storing
// the original. Zero keeps every step plus the original.
func WithMaxSize(size int) CreateOption {
	return func(o *createOptions) { o.maxSize = size }
}

// WithPrivacy selects whether image data is encrypted. Defaults to private.
func WithPrivacy(p covalue.Privacy) CreateOption {
	return func(o *createOptions) { o.privacy = p }
}

// CreateImage decodes data and stores it in g. The definition with its
// placeholder is written first, then each step that is smaller than the
// original in ascending order, then the original itself. If ctx ends
// partway the definition is returned together with ctx's error.
func CreateImage(ctx context.Context, g *covalue.Group, data []byte, opts ...CreateOption) (*covalue.Core, error) {
	o := createOptions{privacy: covalue.PrivacyPrivate}
	for _, opt := range opts {
		opt(&o)
	}

	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %v: %w", err, arcerrors.ErrInvalidInput)
	}
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("decode image: empty image: %w", arcerrors.ErrInvalidInput)
	}

	placeholder, err := placeholderDataURL(src)
	if err != nil {
		return nil, err
	}

	def, err := g.CreateMap(map[string]any{"type": "image"})
	if err != nil {
		return nil, fmt.Errorf("create image: %w", err)
	}
	changes := []covalue.Change{
		covalue.Set(KeyOriginalSize, []any{int64(width), int64(height)}),
		covalue.Set(KeyPlaceholder, placeholder),
	}
	if err := def.MakeTransaction(changes, o.privacy); err != nil {
		return nil, fmt.Errorf("image %s: %w", def.ID(), err)
	}

	for _, step := range Steps {
		if err := ctx.Err(); err != nil {
			return def, err
		}
		if width > step || height > step {
			w, h := fit(width, height, step)
			mimeType, scaled, err := encode(scale(src, w, h), format)
			if err != nil {
				return def, err
			}
			if err := addResolution(g, def, w, h, mimeType, scaled, o.privacy); err != nil {
				return def, err
			}
		}
		if o.maxSize == step {
			return def, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return def, err
	}
	if err := addResolution(g, def, width, height, "image/"+format, data, o.privacy); err != nil {
		return def, err
	}
	return def, nil
}

func addResolution(g *covalue.Group, def *covalue.Core, w, h int, mimeType string, data []byte, privacy covalue.Privacy) error {
	bin, err := CreateBinary(g, mimeType, data, privacy)
	if err != nil {
		return err
	}
	change := covalue.Set(ResolutionKey(w, h), string(bin.ID()))
	if err := def.MakeTransaction([]covalue.Change{change}, privacy); err != nil {
		return fmt.Errorf("image %s: %w", def.ID(), err)
	}
	return nil
}

// fit scales width x height so the longer side equals bound.
func fit(width, height, bound int) (int, int) {
	if width >= height {
		return bound, roundDiv(bound*height, width)
	}
	return roundDiv(bound*width, height), bound
}

func roundDiv(a, b int) int {
	return max((a+b/2)/b, 1)
}

func scale(src image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

// encode writes JPEG sources back as JPEG and everything else as PNG.
func encode(img image.Image, format string) (string, []byte, error) {
	var buf bytes.Buffer
	if format == "jpeg" {
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
			return "", nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return "image/jpeg", buf.Bytes(), nil
	}
	if err := png.Encode(&buf, img); err != nil {
		return "", nil, fmt.Errorf("encode png: %w", err)
	}
	return "image/png", buf.Bytes(), nil
}

func placeholderDataURL(src image.Image) (string, error) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w > placeholderSize || h > placeholderSize {
		w, h = fit(w, h, placeholderSize)
	}
	small := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, small); err != nil {
		return "", fmt.Errorf("encode placeholder: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// OriginalSize reads the originalSize entry of an image definition.
func OriginalSize(def *covalue.Core) (width, height int, ok bool) {
	v, _ := def.Content().Get(KeyOriginalSize)
	pair, isList := v.([]any)
	if !isList || len(pair) != 2 {
		return 0, 0, false
	}
	w, okW := toInt(pair[0])
	h, okH := toInt(pair[1])
	return w, h, okW && okH
}
