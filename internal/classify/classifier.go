// Package classify infers message types and annotates the message store.
package classify

import (
	"context"
	"errors"
	"fmt"

	"github.com/studyhub/groupchat/internal/model"
	"github.com/studyhub/groupchat/internal/reward"
)

// Result is the outcome of a classification request.
type Result struct {
	Success bool              `json:"success"`
	Type    model.MessageType `json:"type"`
}

// Classifier infers the type of a message from its content.
type Classifier interface {
	Classify(ctx context.Context, content string) (Result, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, content string) (Result, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, content string) (Result, error) {
	return f(ctx, content)
}

// MarkerClassifier classifies by the tool markers embedded in content.
type MarkerClassifier struct{}

// Classify implements Classifier.
func (MarkerClassifier) Classify(_ context.Context, content string) (Result, error) {
	return Result{Success: true, Type: reward.TypeForContent(content)}, nil
}

// ErrNoClassifier is returned by an empty Chain.
var ErrNoClassifier = errors.New("no classifier configured")

// Chain asks each classifier in turn. The first successful non-general
// answer wins; a successful general answer is kept as the fallback.
type Chain []Classifier

// Classify implements Classifier.
func (c Chain) Classify(ctx context.Context, content string) (Result, error) {
	if len(c) == 0 {
		return Result{}, ErrNoClassifier
	}

	var (
		fallback *Result
		errs     []error
	)
	for i, cl := range c {
		res, err := cl.Classify(ctx, content)
		if err != nil {
			errs = append(errs, fmt.Errorf("classifier %d: %w", i, err))
			continue
		}
		if !res.Success {
			continue
		}
		if res.Type != model.MessageTypeGeneral {
			return res, nil
		}
		if fallback == nil {
			r := res
			fallback = &r
		}
	}

	if fallback != nil {
		return *fallback, nil
	}
	if len(errs) > 0 {
		return Result{}, errors.Join(errs...)
	}
	return Result{Success: false, Type: model.MessageTypeGeneral}, nil
}
