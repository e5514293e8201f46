package readback

import (
	"fmt"
	"slices"

	"github.com/gogpu/readback/gpucore"
)

// ReadbackSource is implemented by shader inputs that want a resource
// copied back while the shader is Ready.
type ReadbackSource interface {
	Readback() (gpucore.ReadbackTarget, bool)
}

// ReadbackHandler is implemented by shader inputs that consume completion
// events. Decoding the payload is the handler's job.
type ReadbackHandler interface {
	OnReadback(ev gpucore.CompletionEvent)
}

type subscription struct {
	id int
	fn func(gpucore.CompletionEvent)
}

// ReadbackController attaches and detaches a readback request as the
// mirrored status crosses the Ready boundary, and delivers completion
// events to subscribers. It runs in the app context.
type ReadbackController struct {
	key     Key
	service gpucore.ReadbackService

	last     Status
	attached bool
	id       gpucore.ReadbackID
	seq      uint64

	subs    []subscription
	nextSub int
}

// NewReadbackController returns a controller whose last observed status is Loading.
func NewReadbackController(key Key, service gpucore.ReadbackService) *ReadbackController {
	return &ReadbackController{key: key, service: service, last: StatusLoading}
}

// Evaluate fires the transition handler when status differs from the last
// evaluated status. Entering Ready detaches any previous request and
// attaches the source's target, if it reports one. Entering any other status
// detaches.
func (c *ReadbackController) Evaluate(status Status, source func() (gpucore.ReadbackTarget, bool)) error {
	if status == c.last {
		return nil
	}
	c.last = status

	c.detach()
	if status != StatusReady {
		return nil
	}
	return c.attach(source)
}

// Retarget replaces the attached request with the source's current target,
// or leaves it detached when the source reports none. It does nothing when no
// request is attached.
func (c *ReadbackController) Retarget(source func() (gpucore.ReadbackTarget, bool)) error {
	if !c.attached {
		return nil
	}
	c.detach()
	return c.attach(source)
}

func (c *ReadbackController) attach(source func() (gpucore.ReadbackTarget, bool)) error {
	if source == nil {
		return nil
	}
	target, ok := source()
	if !ok {
		return nil
	}
	if err := target.Validate(); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrMissingReadbackTarget, c.key, err)
	}

	id, err := c.service.Attach(target)
	if err != nil {
		return fmt.Errorf("%w: %q: attach: %w", ErrMissingReadbackTarget, c.key, err)
	}
	c.attached, c.id, c.seq = true, id, 0
	Logger().Info("readback: request attached", "key", c.key, "id", id, "bytes", target.ByteSize())
	return nil
}

// Deliver drains finished copies of the attached request and passes each
// one to every subscriber exactly once.
func (c *ReadbackController) Deliver() {
	if !c.attached {
		return
	}
	for _, ev := range c.service.Drain(c.id) {
		if ev.ID != c.id || ev.Seq <= c.seq {
			Logger().Warn("readback: dropping stale completion event",
				"key", c.key, "id", ev.ID, "seq", ev.Seq, "last_seq", c.seq)
			continue
		}
		c.seq = ev.Seq

		subs := slices.Clone(c.subs)
		for i, s := range subs {
			e := ev
			if i < len(subs)-1 {
				e.Data = slices.Clone(ev.Data)
			}
			s.fn(e)
		}
	}
}

// Subscribe registers fn for completion events and returns a function that
// removes it. The returned function may be called more than once.
func (c *ReadbackController) Subscribe(fn func(gpucore.CompletionEvent)) func() {
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscription{id: id, fn: fn})
	return func() {
		c.subs = slices.DeleteFunc(c.subs, func(s subscription) bool { return s.id == id })
	}
}

// Attached returns the current request, if any.
func (c *ReadbackController) Attached() (gpucore.ReadbackID, bool) {
	return c.id, c.attached
}

// LastStatus returns the status seen by the latest Evaluate.
func (c *ReadbackController) LastStatus() Status { return c.last }

// Close detaches the current request.
func (c *ReadbackController) Close() { c.detach() }

func (c *ReadbackController) detach() {
	if !c.attached {
		return
	}
	c.service.Detach(c.id)
	Logger().Info("readback: request detached", "key", c.key, "id", c.id)
	c.attached, c.id, c.seq = false, gpucore.InvalidID, 0
}
