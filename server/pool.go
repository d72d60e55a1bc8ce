package server

import (
	"PhoneDetServer/engine"
	"PhoneDetServer/logger"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// ErrPoolClosed is returned for jobs submitted after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Detector is the engine surface the pool needs. Satisfied by
// *engine.Detector; tests substitute a mock.
type Detector interface {
	Detect(img gocv.Mat) ([]engine.Detection, error)
	CheckConfig() engine.Config
	Destroy()
}

type jobPackage struct {
	image  []byte
	result chan jobResult
}

type jobResult struct {
	detections []engine.Detection
	err        error
}

// Pool serializes inference through a fixed set of workers, each owning
// its own Detector (DNN nets are not reentrant).
type Pool struct {
	jobs      chan jobPackage
	detectors []Detector
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
}

// NewPool builds size detectors via the factory and starts one worker
// per detector. A factory failure tears down what was already built.
func NewPool(size int, factory func() (Detector, error)) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool size must be positive, got %d", size)
	}
	p := &Pool{
		jobs:      make(chan jobPackage, size),
		detectors: make([]Detector, 0, size),
	}
	for i := 0; i < size; i++ {
		det, err := factory()
		if err != nil {
			for _, d := range p.detectors {
				d.Destroy()
			}
			return nil, fmt.Errorf("creating detector %d: %w", i, err)
		}
		p.detectors = append(p.detectors, det)
	}
	for i, det := range p.detectors {
		p.wg.Add(1)
		go p.runWorker(i, det)
	}
	return p, nil
}

func (p *Pool) runWorker(workerID int, det Detector) {
	// current tracks the in-flight job so a recovered panic can still
	// answer the waiting caller instead of leaving it blocked
	var current *jobPackage
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			if current != nil {
				current.result <- jobResult{err: fmt.Errorf("worker panic: %v", r)}
			}
			logger.Log().Error("worker panic, restarting in 1s",
				zap.Int("worker", workerID), zap.Any("panic", r))
			time.Sleep(1 * time.Second)
			p.wg.Add(1)
			go p.runWorker(workerID, det)
		}
	}()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	logger.Log().Info("detection worker started", zap.Int("worker", workerID))
	for job := range p.jobs {
		job := job
		current = &job
		mat, err := engine.DecodeImage(job.image)
		if err != nil {
			job.result <- jobResult{err: err}
			current = nil
			_ = mat.Close()
			continue
		}
		detections, err := det.Detect(mat)
		if cerr := mat.Close(); cerr != nil {
			logger.Log().Error("error closing image mat",
				zap.Int("worker", workerID), zap.Error(cerr))
		}
		job.result <- jobResult{detections: detections, err: err}
		current = nil
	}
}

// Detect decodes and runs the image through the next free worker,
// blocking until the job completes. No timeout: a stuck inference call
// blocks its request, matching the service contract.
func (p *Pool) Detect(image []byte) ([]engine.Detection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	result := make(chan jobResult, 1)
	p.jobs <- jobPackage{image: image, result: result}
	p.mu.RUnlock()
	res := <-result
	return res.detections, res.err
}

// Warmup runs a tiny black frame through every detector so the first
// real request does not pay graph-initialization cost. Call before
// serving traffic, while the workers are still idle.
func (p *Pool) Warmup() {
	warm := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 32, 32, gocv.MatTypeCV8UC3)
	defer warm.Close()
	buf, err := gocv.IMEncode(".jpg", warm)
	if err != nil {
		logger.Log().Error("warmup encode failed", zap.Error(err))
		return
	}
	defer buf.Close()
	img, err := engine.DecodeImage(buf.GetBytes())
	if err != nil {
		logger.Log().Error("warmup decode failed", zap.Error(err))
		return
	}
	defer img.Close()
	for i, det := range p.detectors {
		if _, err := det.Detect(img); err != nil {
			logger.Log().Warn("warmup inference failed",
				zap.Int("worker", i), zap.Error(err))
		}
	}
}

// Size returns the number of workers.
func (p *Pool) Size() int {
	return len(p.detectors)
}

// QueueDepth returns the number of jobs waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}

// Config reports the engine configuration of the first worker; all
// workers are built from the same factory.
func (p *Pool) Config() engine.Config {
	return p.detectors[0].CheckConfig()
}

// Close stops the workers, waits for in-flight jobs to finish, then
// releases every detector.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
	for _, det := range p.detectors {
		det.Destroy()
	}
}
