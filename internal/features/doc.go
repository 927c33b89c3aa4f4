// Package features reads text-line feature tensors for recognition.
//
// A line is a float32 tensor of shape (C, H, W) with ink close to 1 and
// background close to 0. Lines come from:
//   - SafeTensors files holding a tensor named "line" (or a single tensor)
//   - PNG and JPEG images, converted to one inverted grayscale channel
//
// Example:
//
//	line, err := features.Load("line.png", 48)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	text, err := recognizer.PredictString(line)
package features
