// Package nvasnet implements the audio-visual separation network the
// launcher trains.
//
// The network is deliberately compact: a linear source-classification
// head over banded per-receiver magnitude features with an optional
// visual conditioning block, trained with softmax cross-entropy. It
// stands in for the full separation architecture, which is out of scope
// for the launcher — what matters here is that the model exposes the
// contract the trainer and the distributed group need: gradient
// computation separate from application, and flat parameter access for
// checkpointing and replica synchronization.
package nvasnet
