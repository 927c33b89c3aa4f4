// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package models loads text line recognition networks and runs them.
//
// This package wraps internal implementations and exports a public API for
// loading networks saved in the .born format or in the legacy clstm, pronn
// and pyrnn formats.
//
// Example usage:
//
//	import (
//	    "github.com/born-ml/linerec/models"
//	)
//
//	// Try every supported format in turn
//	rec, err := models.LoadAny("~/models/en.born")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("loaded", rec.Kind())
//
//	text, err := rec.PredictString(line)
package models

import (
	"github.com/born-ml/linerec/internal/codec"
	"github.com/born-ml/linerec/internal/ctc"
	"github.com/born-ml/linerec/internal/models"
	"github.com/born-ml/linerec/internal/tensor"
	"github.com/born-ml/linerec/internal/vgsl"
	"go.uber.org/zap"
)

// Errors returned by LoadAny and the recognizer.
var (
	ErrInvalidModel = models.ErrInvalidModel
	ErrInput        = models.ErrInput
)

// Model format kinds reported by SeqRecognizer.Kind.
const (
	KindVGSL  = vgsl.KindVGSL
	KindCLSTM = vgsl.KindCLSTM
	KindPronn = vgsl.KindPronn
	KindPyrnn = vgsl.KindPyrnn
)

// SeqRecognizer runs a network over single text lines and decodes its output.
type SeqRecognizer = models.SeqRecognizer

// Network is the part of a recognition network the recognizer drives.
type Network = models.Network

// Option configures a SeqRecognizer.
type Option = models.Option

// Label is a decoded class with its column span and confidence.
type Label = codec.Label

// Segment is a decoded piece of text with its column span and confidence.
type Segment = codec.Segment

// Decoder maps a (classes, width) score matrix to labels.
type Decoder = ctc.Decoder

// LoadAny loads a model in any supported format. Formats are tried in the
// order vgsl, clstm, pronn, pyrnn and the first success wins.
//
// Example:
//
//	rec, err := models.LoadAny("model.pyrnn.gz", models.WithDecoder(models.BeamDecoder(5)))
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadAny(path string, opts ...Option) (*SeqRecognizer, error) {
	return models.LoadAny(path, opts...)
}

// NewSeqRecognizer wraps a network.
func NewSeqRecognizer(net Network, opts ...Option) (*SeqRecognizer, error) {
	return models.NewSeqRecognizer(net, opts...)
}

// WithDecoder sets the decoder; the default is GreedyDecoder.
func WithDecoder(d Decoder) Option { return models.WithDecoder(d) }

// WithDevice sets the device the network runs on.
func WithDevice(d tensor.Device) Option { return models.WithDevice(d) }

// WithTrain puts the network in training mode.
func WithTrain(train bool) Option { return models.WithTrain(train) }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return models.WithLogger(l) }

// GreedyDecoder picks the best class in every column.
func GreedyDecoder() Decoder { return ctc.Greedy }

// BlankThresholdDecoder treats columns whose blank score exceeds threshold
// as gaps.
func BlankThresholdDecoder(threshold float32) Decoder { return ctc.BlankThreshold(threshold) }

// BeamDecoder runs a CTC prefix beam search keeping width prefixes.
func BeamDecoder(width int) Decoder { return ctc.Beam(width) }
