// Command rtdemo renders frames of the ray-traced scene headlessly.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/raytrace"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// openVulkanDevice opens the hal device for -backend vulkan.
var openVulkanDevice = openVulkan

// run renders the frames requested by args. Every device it opens is
// released before it returns.
func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rtdemo", flag.ContinueOnError)
	var (
		backend = fs.String("backend", "noop", "hal backend: noop or vulkan")
		width   = fs.Uint("width", 1280, "frame width")
		height  = fs.Uint("height", 720, "frame height")
		frames  = fs.Int("frames", 600, "number of frames to render")
		ring    = fs.Int("ring", 3, "frames in flight")
		rebuild = fs.Uint64("rebuild", 0, "rebuild the top-level structure every n frames (0: update only)")
		shader  = fs.String("shader", "", "shader library file (default: built-in)")
		verbose = fs.Bool("v", false, "debug logging")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	raytrace.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts := []raytrace.Option{
		raytrace.WithRingSize(*ring),
		raytrace.WithRebuildInterval(*rebuild),
	}
	if *shader != "" {
		opts = append(opts, raytrace.WithShaderFile(*shader))
	}

	switch *backend {
	case "noop":
	case "vulkan":
		dev, queue, cleanup, err := openVulkanDevice()
		if err != nil {
			return fmt.Errorf("open vulkan device: %w", err)
		}
		defer cleanup()
		opts = append(opts, raytrace.WithDevice(dev, queue))
	default:
		return fmt.Errorf("unknown backend %q", *backend)
	}

	w, h := uint32(*width), uint32(*height)
	r, err := raytrace.New(w, h, opts...)
	if err != nil {
		return fmt.Errorf("create renderer: %w", err)
	}

	start := time.Now()
	for i := range *frames {
		if err := r.DrawFrame(w, h, nil); err != nil {
			_ = r.Close()
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}
	elapsed := time.Since(start)
	stats := r.Stats()
	if err := r.Close(); err != nil {
		return fmt.Errorf("close renderer: %w", err)
	}

	fmt.Fprintf(out, "%d frames in %v (%.1f fps), %d top-level updates, %d rebuilds\n",
		stats.TotalFrames, elapsed.Round(time.Millisecond),
		float64(stats.TotalFrames)/elapsed.Seconds(),
		stats.TLASUpdates, stats.TLASRebuilds)
	return nil
}

// openVulkan opens the first discrete or integrated GPU.
func openVulkan() (hal.Device, hal.Queue, func(), error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, nil, nil, fmt.Errorf("vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, nil, nil, fmt.Errorf("no GPU adapters found")
	}

	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, nil, nil, fmt.Errorf("open device: %w", err)
	}
	log.Printf("Using %s", selected.Info.Name)

	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup, nil
}
