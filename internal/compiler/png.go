package compiler

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"github.com/user/pagecast/internal/frame"
)

var pageNumberPattern = regexp.MustCompile(`(\d+)\.png$`)

// LoadPages decodes every PNG in dir as a page, ordered by the trailing
// number in each file name. Transparent areas are flattened onto white.
func LoadPages(dir string) ([]*frame.Page, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}

	type numbered struct {
		n    int
		name string
	}
	var files []numbered
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".png") {
			continue
		}
		n := 0
		if m := pageNumberPattern.FindStringSubmatch(strings.ToLower(e.Name())); m != nil {
			n, _ = strconv.Atoi(m[1])
		}
		files = append(files, numbered{n: n, name: e.Name()})
	}
	if len(files) == 0 {
		return nil, ErrNoPages
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].n == files[j].n {
			return files[i].name < files[j].name
		}
		return files[i].n < files[j].n
	})

	pages := make([]*frame.Page, 0, len(files))
	for _, f := range files {
		p, err := decodePage(filepath.Join(dir, f.name))
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, nil
}

func decodePage(path string) (*frame.Page, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open page %q: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode page %q: %w", path, err)
	}
	return PageFromImage(img)
}

// PageFromImage renders img over a white background into an RGBA page.
func PageFromImage(img image.Image) (*frame.Page, error) {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return frame.NewPage(b.Dx(), b.Dy(), dst.Pix)
}

// SavePages writes every page of fs to dir as page-N.png and returns the
// paths in page order.
func SavePages(dir string, fs *frame.FrameSet) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %q: %w", dir, err)
	}
	paths := make([]string, 0, fs.Len())
	for i, p := range fs.Pages() {
		path := filepath.Join(dir, strings.Replace(outputPattern, "{p}", strconv.Itoa(i+1), 1))
		if err := savePage(path, p); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func savePage(path string, p *frame.Page) error {
	img := &image.RGBA{
		Pix:    p.Pix,
		Stride: p.Width * frame.BytesPerPixel,
		Rect:   image.Rect(0, 0, p.Width, p.Height),
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create page %q: %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode page %q: %w", path, err)
	}
	return f.Close()
}
