package window

import (
	"github.com/cockroachdb/errors"
	"github.com/veandco/go-sdl2/sdl"

	"github.com/vkngwrapper/unpack/internal/config"
)

type Action int

const (
	Continue Action = iota
	Close
)

// Open initialises SDL video and creates the fixed-size diagnostic window.
func Open() (*sdl.Window, error) {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return nil, errors.Wrap(err, "init sdl video")
	}

	window, err := sdl.CreateWindow(config.WindowTitle,
		config.WindowX, config.WindowY,
		config.WindowWidth, config.WindowHeight,
		sdl.WINDOW_SHOWN|sdl.WINDOW_VULKAN)
	if err != nil {
		sdl.Quit()
		return nil, errors.Wrap(err, "create window")
	}

	return window, nil
}

// Classify decides whether an event ends the idle loop. Only the escape
// key and close requests do; everything else is ignored.
func Classify(event sdl.Event) Action {
	switch e := event.(type) {
	case *sdl.QuitEvent:
		return Close
	case *sdl.WindowEvent:
		if e.Event == sdl.WINDOWEVENT_CLOSE {
			return Close
		}
	case *sdl.KeyboardEvent:
		if e.Type == sdl.KEYDOWN && e.Keysym.Sym == sdl.K_ESCAPE {
			return Close
		}
	}
	return Continue
}

// Drain consumes every pending event and reports whether any asked to
// close.
func Drain(poll func() sdl.Event) Action {
	action := Continue
	for event := poll(); event != nil; event = poll() {
		if Classify(event) == Close {
			action = Close
		}
	}
	return action
}
