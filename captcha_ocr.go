package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
)

// ocrVariant is one preprocessing of the captcha before recognition.
type ocrVariant struct {
	Threshold uint8
	Invert    bool
}

var defaultOCRVariants = []ocrVariant{
	{Threshold: 140},
	{Threshold: 120},
	{Threshold: 160},
	{Threshold: 140, Invert: true},
	{Threshold: 120, Invert: true},
}

type commandRunner func(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// OCRSolver runs the local tesseract binary over several binarised copies
// of the image and votes on the answers.
type OCRSolver struct {
	binary   string
	variants []ocrVariant
	run      commandRunner
}

func NewOCRSolver(binary string) *OCRSolver {
	if binary == "" {
		binary = "tesseract"
	}
	return &OCRSolver{binary: binary, variants: defaultOCRVariants, run: execRunner}
}

func (s *OCRSolver) Name() string { return "ocr" }

func (s *OCRSolver) Solve(ctx context.Context, img []byte) (Recognition, error) {
	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return Recognition{}, fmt.Errorf("decode captcha: %w", err)
	}
	scaled := upscale(src, 2)

	type tally struct {
		votes int
		conf  float64
	}
	tallies := map[string]*tally{}
	var lastErr error

	for _, v := range s.variants {
		if err := ctx.Err(); err != nil {
			return Recognition{}, err
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, binarize(scaled, v)); err != nil {
			return Recognition{}, err
		}

		out, err := s.run(ctx, buf.Bytes(), s.binary, "stdin", "stdout", "--psm", "7",
			"-c", "tessedit_char_whitelist=ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789",
			"tsv")
		if err != nil {
			lastErr = err
			continue
		}

		text, conf := parseTesseractTSV(out)
		text = normalizeCaptcha(text, false)
		if !plausibleCaptcha(text) {
			continue
		}
		t := tallies[text]
		if t == nil {
			t = &tally{}
			tallies[text] = t
		}
		t.votes++
		t.conf += conf
	}

	if len(tallies) == 0 {
		if lastErr != nil {
			return Recognition{}, lastErr
		}
		return Recognition{}, fmt.Errorf("no plausible reading from %d variants", len(s.variants))
	}

	candidates := make([]string, 0, len(tallies))
	for text := range tallies {
		candidates = append(candidates, text)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := tallies[candidates[i]], tallies[candidates[j]]
		if a.votes != b.votes {
			return a.votes > b.votes
		}
		if a.conf/float64(a.votes) != b.conf/float64(b.votes) {
			return a.conf/float64(a.votes) > b.conf/float64(b.votes)
		}
		return candidates[i] < candidates[j]
	})

	best := tallies[candidates[0]]
	return Recognition{Text: candidates[0], Confidence: confidence(best.conf / float64(best.votes))}, nil
}

// parseTesseractTSV joins the recognised words and returns their mean
// confidence scaled to 0..1.
func parseTesseractTSV(out []byte) (string, float64) {
	var words []string
	var total float64
	n := 0

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		cols := strings.Split(scanner.Text(), "\t")
		if len(cols) < 12 || cols[0] != "5" {
			continue
		}
		conf, err := strconv.ParseFloat(cols[10], 64)
		if err != nil || conf < 0 {
			continue
		}
		word := strings.TrimSpace(cols[11])
		if word == "" {
			continue
		}
		words = append(words, word)
		total += conf
		n++
	}
	if n == 0 {
		return "", 0
	}
	return strings.Join(words, ""), total / float64(n) / 100
}

func upscale(src image.Image, factor int) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

// binarize converts to black text on white at the given threshold, or the
// reverse when inverted.
func binarize(src image.Image, v ocrVariant) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(src.At(x, y)).(color.Gray).Y
			light := g > v.Threshold
			if v.Invert {
				light = !light
			}
			out := uint8(0)
			if light {
				out = 255
			}
			dst.SetGray(x-b.Min.X, y-b.Min.Y, color.Gray{Y: out})
		}
	}
	return dst
}
