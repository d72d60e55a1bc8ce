package engine

import (
	"errors"
	"fmt"
	"image"
	"os"

	"gocv.io/x/gocv"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

// InputSize is the network input edge in pixels. Fixed quality/speed
// tradeoff of the pretrained model, not a runtime knob.
const InputSize = 640

// ErrInvalidImage is returned when request bytes do not decode as an image.
var ErrInvalidImage = errors.New("decoded image is empty or unsupported format")

type Position struct {
	X, Y float32
}

type Box struct {
	LT Position
	RT Position
	RB Position
	LB Position
}

// Detection is one typed record of the model output: a bounding box, a
// confidence score and a class identifier.
type Detection struct {
	ClassID   int
	ClassName string
	Conf      float32
	Box       Box
	Center    Position
}

type Config struct {
	ModelPath string
	Conf      float32
	Iou       float32
	UseGPU    bool
}

// Detector wraps one DNN net loaded from an ONNX file. A Detector is
// not safe for concurrent Detect calls; give each worker its own.
type Detector struct {
	ModelPath    string
	Conf         float32
	Iou          float32
	UseGPU       bool
	State        int
	ErrorMessage string
	net          gocv.Net
}

func (d *Detector) CheckConfig() Config {
	return Config{
		ModelPath: d.ModelPath,
		Conf:      d.Conf,
		Iou:       d.Iou,
		UseGPU:    d.UseGPU,
	}
}

// LoadModel reads the ONNX weights and prepares the net for inference.
// A failure here must keep the process from serving traffic.
func (d *Detector) LoadModel(modelPath string, conf float32, iou float32, useGPU bool) error {
	info, err := os.Stat(modelPath)
	if err != nil {
		return fmt.Errorf("model file %s not readable: %w", modelPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("model path %s is a directory", modelPath)
	}
	net := gocv.ReadNetFromONNX(modelPath)
	if net.Empty() {
		return fmt.Errorf("failed to read ONNX model from %s", modelPath)
	}
	if useGPU {
		if err := net.SetPreferableBackend(gocv.NetBackendCUDA); err != nil {
			_ = net.Close()
			return fmt.Errorf("CUDA backend not available: %w", err)
		}
		if err := net.SetPreferableTarget(gocv.NetTargetCUDA); err != nil {
			_ = net.Close()
			return fmt.Errorf("CUDA target not available: %w", err)
		}
	}
	d.ModelPath = modelPath
	d.Conf = conf
	d.Iou = iou
	d.UseGPU = useGPU
	d.net = net
	d.State = IDLE
	return nil
}

func (d *Detector) Destroy() {
	if d.State == IDLE || d.State == BUSY {
		_ = d.net.Close()
	}
	d.ModelPath = ""
	d.Conf = 0
	d.Iou = 0
	d.UseGPU = false
	d.State = UNREGISTERED
}

// DecodeImage turns raw request bytes into a 3-channel BGR Mat.
// IMDecode returns an empty Mat when the bytes are not an image.
func DecodeImage(data []byte) (gocv.Mat, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return gocv.NewMat(), err
	}
	if mat.Empty() {
		if err := mat.Close(); err != nil {
			return gocv.Mat{}, err
		}
		return gocv.NewMat(), ErrInvalidImage
	}
	return mat, nil
}

// Detect runs one inference pass and returns the surviving detections
// in original image coordinates.
func (d *Detector) Detect(img gocv.Mat) ([]Detection, error) {
	switch d.State {
	case IDLE:
	case BUSY:
		return nil, errors.New("detector is busy")
	default:
		return nil, errors.New("model not loaded")
	}
	if img.Empty() {
		return nil, ErrInvalidImage
	}
	d.State = BUSY
	defer func() { d.State = IDLE }()

	lb := computeLetterbox(img.Cols(), img.Rows(), InputSize)
	resized := gocv.NewMat()
	gocv.Resize(img, &resized, image.Pt(lb.NewW, lb.NewH), 0, 0, gocv.InterpolationLinear)
	padded := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(114, 114, 114, 0), InputSize, InputSize, gocv.MatTypeCV8UC3)
	roi := padded.Region(image.Rect(lb.PadX, lb.PadY, lb.PadX+lb.NewW, lb.PadY+lb.NewH))
	resized.CopyTo(&roi)
	_ = roi.Close()
	_ = resized.Close()

	// BGR -> RGB swap happens inside BlobFromImage
	blob := gocv.BlobFromImage(padded, 1.0/255.0, image.Pt(InputSize, InputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	_ = padded.Close()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	_ = blob.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("reading network output: %w", err)
	}
	rects, scores, classIDs := decodePredictions(data, d.Conf, lb)
	_ = out.Close()
	if len(rects) == 0 {
		return []Detection{}, nil
	}

	// shift boxes per class so NMS never suppresses across classes
	maxDim := lb.OrigW
	if lb.OrigH > maxDim {
		maxDim = lb.OrigH
	}
	shifted := make([]image.Rectangle, len(rects))
	for i, r := range rects {
		off := classIDs[i] * (maxDim + 1)
		shifted[i] = r.Add(image.Pt(off, off))
	}
	indices := gocv.NMSBoxes(shifted, scores, d.Conf, d.Iou)

	detections := make([]Detection, 0, len(indices))
	for _, idx := range indices {
		r := rects[idx]
		box := Box{
			LT: Position{X: float32(r.Min.X), Y: float32(r.Min.Y)},
			RT: Position{X: float32(r.Max.X), Y: float32(r.Min.Y)},
			RB: Position{X: float32(r.Max.X), Y: float32(r.Max.Y)},
			LB: Position{X: float32(r.Min.X), Y: float32(r.Max.Y)},
		}
		center := Position{
			X: (box.LT.X + box.RB.X) / 2,
			Y: (box.LT.Y + box.RB.Y) / 2,
		}
		detections = append(detections, Detection{
			ClassID:   classIDs[idx],
			ClassName: ClassName(classIDs[idx]),
			Conf:      scores[idx],
			Box:       box,
			Center:    center,
		})
	}
	return detections, nil
}
