/*
This is an example application that drives the resource
lifecycle engine against a real Vulkan device
*/
package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/spaghettifunk/vita/engine/config"
	"github.com/spaghettifunk/vita/engine/core"
	"github.com/spaghettifunk/vita/engine/gpu"
	"github.com/spaghettifunk/vita/engine/platform"
	"github.com/spaghettifunk/vita/engine/renderer/vulkan"
)

const configPath = "vita.toml"

func main() {
	cfg := config.Default()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			core.LogFatal("invalid config: %s", err.Error())
		}
		cfg = loaded

		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			core.LogWarn("config watcher unavailable: %s", err.Error())
		} else {
			defer watcher.Close()
		}
	}

	p, err := platform.New()
	if err != nil {
		core.LogFatal("platform init failed: %s", err.Error())
	}
	if err := p.Startup("Vita"); err != nil {
		core.LogFatal("platform startup failed: %s", err.Error())
	}
	defer p.Shutdown()

	backend := vulkan.New(p)
	if err := backend.Initialize("Vita"); err != nil {
		core.LogFatal("vulkan init failed: %s", err.Error())
	}
	defer backend.Shutdown()

	engine, err := gpu.NewEngine(backend, cfg)
	if err != nil {
		core.LogFatal("engine init failed: %s", err.Error())
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	var quit atomic.Bool
	go func() {
		<-sigCh
		quit.Store(true)
	}()

	if err := run(engine, &quit); err != nil {
		core.LogError("run failed: %s", err.Error())
	}

	if err := engine.Shutdown(); err != nil {
		core.LogError("engine shutdown failed: %s", err.Error())
	}
}

// run exercises the engine: a persistent vertex buffer updated every frame,
// a streamed texture resolved against the fallback until it lands, and
// per-frame transient uniform allocations.
func run(engine *gpu.Engine, quit *atomic.Bool) error {
	vertices, err := engine.CreateBuffer(64*1024, gpu.BufferUsageVertex, gpu.MemoryDeviceLocal)
	if err != nil {
		return err
	}
	defer engine.DeleteBuffer(vertices)

	texture, err := engine.CreateImage(gpu.ImageDesc{
		Width:     256,
		Height:    256,
		MipLevels: 1,
		Layers:    1,
		Format:    gpu.FormatR8G8B8A8Unorm,
	})
	if err != nil {
		return err
	}
	defer engine.DeleteImage(texture)

	if err := engine.RequestUpload(texture, checkerPixels(256, 256)); err != nil {
		return err
	}

	vertexData := make([]byte, 3*16)
	for frame := 0; !quit.Load(); frame++ {
		token, err := engine.BeginFrame()
		if err != nil {
			return err
		}

		if err := engine.UpdateBuffer(vertices, vertexData, 0); err != nil {
			return err
		}

		uniforms, err := engine.AllocateTransient(token, 256, 256)
		if err != nil {
			return err
		}
		clear(uniforms.Bytes)

		resolved := engine.Resolve(texture)
		if frame == 0 || (resolved.Fallback && frame%60 == 0) {
			core.LogInfo("frame %d: texture resolved, fallback=%t", frame, resolved.Fallback)
		}

		if err := engine.EndFrame(token); err != nil {
			return err
		}
	}
	return nil
}

func checkerPixels(width, height int) []byte {
	pixels := make([]byte, width*height*4)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := (y*width + x) * 4
			if (x/32+y/32)%2 == 0 {
				pixels[i], pixels[i+1], pixels[i+2] = 255, 255, 255
			}
			pixels[i+3] = 255
		}
	}
	return pixels
}
