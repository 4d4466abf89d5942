// Command tsdemo packs images into tile containers and runs a headless
// streaming session over the software device.
//
// Packing:
//
//	tsdemo -pack texture.png -out texture.xet
//
// Streaming (synthetic feedback, residency snapshot every frame):
//
//	tsdemo -stream texture.xet -frames 120 -heap 256 -viz minmip -snapshot residency.png
package main

import (
	"flag"
	"image"
	"image/png"
	"log"
	"os"
	"time"

	"github.com/gogpu/tilestream"
	"github.com/gogpu/tilestream/gfx"
	"github.com/gogpu/tilestream/texfile"

	// Register the file-streaming backends.
	_ "github.com/gogpu/tilestream/backend/asyncio"
	_ "github.com/gogpu/tilestream/backend/worker"
)

func main() {
	var (
		pack     = flag.String("pack", "", "image file to pack into a tile container")
		out      = flag.String("out", "texture.xet", "container output path for -pack")
		raw      = flag.Bool("raw", false, "store tiles uncompressed")
		stream   = flag.String("stream", "", "container file to stream")
		frames   = flag.Int("frames", 120, "number of frames to run")
		heap     = flag.Int("heap", 256, "tile heap capacity for -stream")
		viz      = flag.String("viz", "minmip", "snapshot mode: none, minmip, occupancy")
		snapshot = flag.String("snapshot", "", "write the final residency snapshot to this PNG")
	)
	flag.Parse()

	switch {
	case *pack != "":
		packImage(*pack, *out, !*raw)
	case *stream != "":
		runStream(*stream, *frames, *heap, *viz, *snapshot)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func packImage(input, output string, compress bool) {
	f, err := os.Open(input)
	if err != nil {
		log.Fatalf("open %s: %v", input, err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		log.Fatalf("decode %s: %v", input, err)
	}

	start := time.Now()
	if err := texfile.Write(output, img, texfile.WriteOptions{Compress: compress}); err != nil {
		log.Fatalf("pack: %v", err)
	}

	r, err := texfile.Open(output)
	if err != nil {
		log.Fatalf("reopen %s: %v", output, err)
	}
	defer r.Close()

	standard := 0
	for _, d := range r.MipDims() {
		standard += int(d.WidthTiles) * int(d.HeightTiles)
	}
	size := r.Size()
	log.Printf("packed %s -> %s (%dx%d, %d standard mips, %d packed mips, %d tiles) in %v",
		input, output, size.Width, size.Height,
		len(r.MipDims()), r.NumPackedMips(),
		standard+r.PackedTileCount(), time.Since(start).Round(time.Millisecond))
}

func runStream(input string, frames, heapTiles int, vizName, snapshotPath string) {
	dev := gfx.NewSoftwareDevice()
	defer dev.Close()

	mgr, err := tilestream.New(tilestream.Config{Device: dev})
	if err != nil {
		log.Fatalf("create manager: %v", err)
	}
	defer mgr.Close()

	mgr.SetVisualizationMode(parseViz(vizName))

	hp, err := mgr.CreateStreamingHeap(heapTiles)
	if err != nil {
		log.Fatalf("create heap: %v", err)
	}
	res, err := mgr.CreateStreamingResource(input, hp)
	if err != nil {
		log.Fatalf("open resource: %v", err)
	}

	buf, err := dev.CreateBuffer(mgr.MinMipBufferLen())
	if err != nil {
		log.Fatalf("create residency buffer: %v", err)
	}

	// Synthetic camera: sweep the wanted mip from coarse to fine over
	// the first half of the run, then release everything.
	footprints := res.MinMipMapLen()
	fb := make([]uint8, footprints)
	start := time.Now()

	for frame := 0; frame < frames; frame++ {
		if err := mgr.BeginFrame(buf); err != nil {
			log.Fatalf("frame %d: %v", frame, err)
		}
		if err := mgr.QueueFeedback(res); err != nil {
			log.Fatalf("frame %d: %v", frame, err)
		}
		pre, post, err := mgr.EndFrame()
		if err != nil {
			log.Fatalf("frame %d: %v", frame, err)
		}

		if err := pre.Execute(dev); err != nil {
			log.Fatalf("frame %d pre batch: %v", frame, err)
		}
		fillFeedback(fb, frame, frames)
		if err := dev.SetFeedback(res.Texture(), fb); err != nil {
			log.Fatalf("frame %d: %v", frame, err)
		}
		if err := post.Execute(dev); err != nil {
			log.Fatalf("frame %d post batch: %v", frame, err)
		}

		// Roughly frame-paced so the background loop gets to stream.
		time.Sleep(2 * time.Millisecond)
	}

	st := mgr.Stats()
	rs := res.Stats()
	log.Printf("streamed %d frames in %v", frames, time.Since(start).Round(time.Millisecond))
	log.Printf("%v", st)
	log.Printf("resource: %v", rs)
	log.Printf("heap: %d/%d tiles", hp.Allocated(), hp.Capacity())
	if err := res.Err(); err != nil {
		log.Printf("resource error: %v", err)
	}

	if snapshotPath != "" {
		img := mgr.Snapshot(res, 16)
		if img == nil {
			log.Printf("no snapshot: visualization mode is %v", mgr.VisualizationMode())
			return
		}
		if err := savePNG(snapshotPath, img); err != nil {
			log.Fatalf("save snapshot: %v", err)
		}
		log.Printf("residency snapshot saved to %s", snapshotPath)
	}
}

// fillFeedback synthesizes per-footprint wanted mips: zoom in during the
// first half of the run, drop all interest in the second half.
func fillFeedback(fb []uint8, frame, frames int) {
	half := frames / 2
	if frame >= half {
		for i := range fb {
			fb[i] = gfx.FeedbackNotRequested
		}
		return
	}
	mip := uint8(0)
	if half > 0 {
		// Sweep from mip 3 down to 0.
		mip = uint8(3 - min(3, frame*4/half))
	}
	for i := range fb {
		fb[i] = mip
	}
}

func parseViz(name string) tilestream.VizMode {
	switch name {
	case "occupancy":
		return tilestream.VizOccupancy
	case "none":
		return tilestream.VizNone
	default:
		return tilestream.VizMinMip
	}
}

func savePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
