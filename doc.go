// Package readback drives GPU compute workloads once per frame and hands
// their results back to the application.
//
// # Overview
//
// Each registered compute shader gets a dispatch state machine that follows
// its asynchronous pipeline compilation, bounds how many times it dispatches,
// and mirrors its status into the app context exactly once per frame. While
// the mirrored status is Ready, an optional GPU→CPU copy is attached and its
// payloads are delivered to subscribers.
//
// # Quick Start
//
//	host, err := backend.InitDefault()
//	if err != nil {
//	    return err
//	}
//	defer host.Close()
//
//	app, err := readback.NewApp(readback.WithHost(host))
//	if err != nil {
//	    return err
//	}
//
//	p, err := readback.Register(app, "gradient", input,
//	    readback.WithLimit(readback.Finite(1)))
//	if err != nil {
//	    return err
//	}
//	p.Subscribe(func(ev gpucore.CompletionEvent) {
//	    // decode ev.Data
//	})
//
//	for {
//	    if err := app.Frame(ctx); err != nil {
//	        return err
//	    }
//	}
//
// # Frame Stages
//
// A frame runs [StageApp] in the app context, then [StageExtract],
// [StagePrepare], [StageGraph], [StageSubmit] and [StageSync] in the render
// context. The sync stage is the hand-off point: a status computed by the
// render graph in frame K is visible to the app context from frame K+1.
//
// # Status
//
// A node is Loading while its pipeline compiles, Ready on frames it
// dispatches, Completed once a Finite limit is exhausted, and Error when
// compilation failed. Completed and Error hold until the shader input
// changes.
//
// # Errors
//
// Compile failures never fail a frame; they surface as [StatusError].
// Missing bind groups, rejected bindings, invalid readback targets and host
// submit failures are fatal: the frame returns the cause and every later
// frame returns [ErrAppFailed].
package readback

// Version is the current version of the library.
const Version = "0.1.0"
