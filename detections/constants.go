package detections

const (
	DefaultInputSize     = 640
	DefaultConfThreshold = 0.25
	DefaultIoUThreshold  = 0.45
	RetryAttempts        = 3
	RetryDelayMs         = 100

	// LetterboxFill is the gray used to pad the resized image to a square.
	LetterboxFill = 114
)

// ChannelOrder names the channel layout written into the input tensor.
type ChannelOrder int

const (
	ChannelOrderRGB ChannelOrder = iota
	ChannelOrderBGR
)

// TensorChannelOrder is the order the exported plate model was trained with.
const TensorChannelOrder = ChannelOrderRGB
