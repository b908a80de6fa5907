package live

import (
	"io"
	"sync"
	"time"

	"github.com/vango-go/vai-interview/pkg/core/audio"
)

const recheckInterval = 10 * time.Millisecond

// Player paces received interviewer audio on an audio.Scheduler and reports
// when a turn has finished playing, which the caller forwards as
// playback_complete. A chunk reaches the sink only once its slot starts.
type Player struct {
	sink       io.Writer
	sampleRate int
	clock      audio.Clock
	sched      *audio.Scheduler
	onFinished func()

	mu         sync.Mutex
	queue      []queued
	release    *time.Timer
	err        error // first sink error, reported by the next Play
	played     int   // chunks since the last flush or completion
	ended      bool
	timer      *time.Timer
	generation uint64
}

type queued struct {
	slot audio.Slot
	pcm  []byte
}

// NewPlayer writes PCM to sink as its slot comes up. A nil clock uses wall time.
func NewPlayer(sink io.Writer, sampleRate int, clock audio.Clock, onFinished func(), opts ...audio.SchedulerOption) *Player {
	if clock == nil {
		clock = audio.NewWallClock()
	}
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	if sink == nil {
		sink = io.Discard
	}
	return &Player{
		sink:       sink,
		sampleRate: sampleRate,
		clock:      clock,
		sched:      audio.NewScheduler(clock, opts...),
		onFinished: onFinished,
	}
}

// Play schedules one PCM16LE chunk. It is written to the sink when its slot
// starts. The error is the first sink failure seen so far.
func (p *Player) Play(pcm []byte) (audio.Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := p.sched.Schedule(audio.Duration(len(pcm), p.sampleRate))
	p.played++
	p.queue = append(p.queue, queued{slot: slot, pcm: append([]byte(nil), pcm...)})
	p.pumpLocked()
	return slot, p.err
}

// Pending returns the number of chunks waiting for their slot.
func (p *Player) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// EndOfSpeech marks the current turn's audio as complete. onFinished runs
// once the scheduled audio has played out.
func (p *Player) EndOfSpeech() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = true
	p.armLocked(0)
}

// Flush drops every chunk whose slot has not started, as on interrupt. A
// pending completion is cancelled.
func (p *Player) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pumpLocked()
	p.queue = nil
	if p.release != nil {
		p.release.Stop()
		p.release = nil
	}
	p.sched.Reset()
	p.played = 0
	p.ended = false
	p.generation++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Close stops any pending completion callback and discards queued audio.
func (p *Player) Close() {
	p.Flush()
}

// pumpLocked writes every queued chunk whose slot has started and arms a
// timer for the next one.
func (p *Player) pumpLocked() {
	now := p.clock.Now()
	n := 0
	for n < len(p.queue) && p.queue[n].slot.Start <= now {
		if _, err := p.sink.Write(p.queue[n].pcm); err != nil && p.err == nil {
			p.err = err
		}
		n++
	}
	p.queue = p.queue[n:]
	if p.release != nil {
		p.release.Stop()
		p.release = nil
	}
	if len(p.queue) == 0 {
		return
	}
	wait := p.queue[0].slot.Start - now
	if wait < recheckInterval {
		wait = recheckInterval
	}
	gen := p.generation
	p.release = time.AfterFunc(wait, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if gen == p.generation {
			p.pumpLocked()
		}
	})
}

func (p *Player) armLocked(floor time.Duration) {
	if p.timer != nil {
		p.timer.Stop()
	}
	gen := p.generation
	wait := p.sched.NextAvailableStart() - p.sched.FinishSlack() - p.clock.Now()
	if wait < floor {
		wait = floor
	}
	p.timer = time.AfterFunc(wait, func() { p.check(gen) })
}

func (p *Player) check(gen uint64) {
	p.mu.Lock()
	if gen != p.generation || !p.ended {
		p.mu.Unlock()
		return
	}
	p.pumpLocked()
	if p.played > 0 && (len(p.queue) > 0 || !p.sched.Finished()) {
		p.armLocked(recheckInterval)
		p.mu.Unlock()
		return
	}
	p.ended = false
	p.played = 0
	p.timer = nil
	p.mu.Unlock()

	if p.onFinished != nil {
		p.onFinished()
	}
}
