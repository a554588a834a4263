// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command vrastdemo renders a few filled shapes through the vrast pipeline
// and writes the result as a PNG.
package main

import (
	"context"
	"flag"
	"fmt"
	"image/png"
	"log"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/gogpu/vrast"
)

func main() {
	var (
		width   = flag.Int("width", 800, "image width")
		height  = flag.Int("height", 600, "image height")
		output  = flag.String("output", "demo.png", "output file")
		workers = flag.Int("workers", 0, "CPU executor workers (0 = GOMAXPROCS)")
		gpu     = flag.Bool("gpu", false, "use the GPU executor when available")
		verbose = flag.Bool("v", false, "log pipeline events")
	)
	flag.Parse()

	if *verbose {
		vrast.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	opts := []vrast.Option{vrast.WithWorkers(*workers)}
	if *gpu {
		opts = append(opts, vrast.WithGPU())
	}
	rc, err := vrast.New(ctx, vrast.DefaultConfig(), opts...)
	if err != nil {
		log.Fatalf("Failed to create context: %v", err)
	}
	defer func() { _ = rc.Close() }()

	s, err := render(ctx, rc, *width, *height)
	if err != nil {
		log.Fatalf("Failed to render: %v", err)
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *output, err)
	}
	if err := png.Encode(f, s.Image()); err != nil {
		f.Close()
		log.Fatalf("Failed to encode: %v", err)
	}
	if err := f.Close(); err != nil {
		log.Fatalf("Failed to save: %v", err)
	}

	log.Printf("Demo saved to %s (%dx%d, %s executor)\n", *output, *width, *height, rc.Executor())
}

// layer is one styled raster of the scene.
type layer struct {
	path  vrast.Path
	t     vrast.Transform
	rule  vrast.FillRule
	color vrast.Color
}

func render(ctx context.Context, rc *vrast.Context, w, h int) (*vrast.Surface, error) {
	var layers []layer
	add := func(b *vrast.PathBuilder, rule vrast.FillRule, c vrast.Color, ts ...vrast.Transform) error {
		p, err := b.End(ctx)
		if err != nil {
			return err
		}
		if len(ts) == 0 {
			ts = []vrast.Transform{vrast.Identity}
		}
		for _, t := range ts {
			layers = append(layers, layer{path: p, t: t, rule: rule, color: c})
		}
		return nil
	}

	// Overlapping translucent circles.
	if err := add(rc.NewPathBuilder().Circle(150, 150, 60), vrast.NonZero, vrast.RGBA(1, 0.3, 0.3, 0.8)); err != nil {
		return nil, err
	}
	if err := add(rc.NewPathBuilder().Circle(200, 150, 60), vrast.NonZero, vrast.RGBA(0.3, 1, 0.3, 0.8)); err != nil {
		return nil, err
	}
	if err := add(rc.NewPathBuilder().Circle(175, 200, 60), vrast.NonZero, vrast.RGBA(0.3, 0.3, 1, 0.8)); err != nil {
		return nil, err
	}
	if err := add(rc.NewPathBuilder().RoundRect(350, 100, 120, 80, 15), vrast.NonZero, vrast.RGBA(1, 0.8, 0, 1)); err != nil {
		return nil, err
	}

	// One square path rasterized under eight rotations.
	var spins []vrast.Transform
	for i := range 8 {
		spins = append(spins, rotate(float64(i)*math.Pi/4).Then(vrast.Translate(600, 150)))
	}
	if err := add(rc.NewPathBuilder().Rect(-30, -30, 60, 60), vrast.NonZero, vrast.RGBA(0.4, 0.7, 1, 0.35), spins...); err != nil {
		return nil, err
	}

	// A ring: two circles under the even-odd rule.
	ring := rc.NewPathBuilder().Circle(150, 430, 80).Circle(150, 430, 45)
	if err := add(ring, vrast.EvenOdd, vrast.RGBA(1, 0.5, 0, 1)); err != nil {
		return nil, err
	}
	if err := add(rc.NewPathBuilder().Star(550, 430, 60, 30, 5), vrast.NonZero, vrast.RGBA(1, 1, 0, 1)); err != nil {
		return nil, err
	}
	if err := add(rc.NewPathBuilder().MoveTo(300, 520).
		CubicTo(350, 470, 400, 570, 450, 520).
		CubicTo(500, 490, 550, 550, 600, 520).
		LineTo(600, 560).LineTo(300, 560), vrast.NonZero, vrast.RGBA(0.9, 0.9, 0.9, 1)); err != nil {
		return nil, err
	}

	rb := rc.NewRasterBuilder()
	var rasters []vrast.Raster
	for _, l := range layers {
		ok, err := rb.Submit(l.path, l.t, vrast.NoClip, l.rule)
		if err != nil {
			return nil, err
		}
		if !ok {
			rs, err := rb.Flush(ctx)
			if err != nil {
				return nil, err
			}
			rasters = append(rasters, rs...)
			if ok, err = rb.Submit(l.path, l.t, vrast.NoClip, l.rule); err != nil {
				return nil, err
			} else if !ok {
				return nil, fmt.Errorf("%v does not fit an empty cohort", l.path)
			}
		}
	}
	rs, err := rb.Flush(ctx)
	if err != nil {
		return nil, err
	}
	rasters = append(rasters, rs...)

	comp, err := rc.CompositionFor(w, h)
	if err != nil {
		return nil, err
	}
	defer func() { _ = comp.Release() }()

	styling := vrast.NewStyling()
	styling.Clear = vrast.RGBA(0.15, 0.25, 0.45, 1)
	for i, r := range rasters {
		if err := comp.Place(r, uint32(i), 0, 0); err != nil {
			return nil, err
		}
		styling.SetLayer(uint32(i), layers[i].color)
	}
	if err := comp.Seal(ctx); err != nil {
		return nil, err
	}

	s := vrast.NewSurface(w, h)
	if err := rc.Render(ctx, comp, styling, s); err != nil {
		return nil, err
	}
	return s, nil
}

func rotate(angle float64) vrast.Transform {
	sin, cos := math.Sincos(angle)
	c, s := float32(cos), float32(sin)
	return vrast.Transform{SX: c, SHX: -s, SHY: s, SY: c}
}
