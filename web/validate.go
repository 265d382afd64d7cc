package web

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/tuxofil/pote/catalog"
	"github.com/tuxofil/pote/core"
)

// jobRequestBody is the wire shape of a POST /job body. Struct tags drive
// the structural half of validation; the semantic half (envo range, test
// existence) needs live state and is checked by hand in validateJobRequest,
// matching the original's dict-probing but as one pure function instead of
// inline checks scattered through the handler (spec.md §9, Open Question 5).
type jobRequestBody struct {
	User string `json:"user" validate:"required"`
	Envo *int   `json:"envo" validate:"required"`
	Test string `json:"test" validate:"required"`
}

var bodyValidator = validator.New()

// ValidationError is returned by validateJobRequest when the request fails
// validation; Message is safe to send to the client as the 400 body.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// validateJobRequest decodes and validates a POST /job body in one pass,
// returning either a core.JobRequest ready for Scheduler.AddJob or a
// *ValidationError describing what was wrong. It touches nothing but its
// arguments: no Scheduler access, and no I/O except the rescan of the tests
// directory that tests.Contains does once its cache has expired (spec.md §9,
// Open Question 5).
func validateJobRequest(raw []byte, envosCount int, tests *catalog.Catalog) (core.JobRequest, error) {
	var body jobRequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return core.JobRequest{}, &ValidationError{Message: "Bad request object"}
	}
	if err := bodyValidator.Struct(body); err != nil {
		return core.JobRequest{}, &ValidationError{Message: fieldErrorMessage(err)}
	}
	if body.Envo == nil || *body.Envo < 0 || *body.Envo >= envosCount {
		return core.JobRequest{}, &ValidationError{Message: "Bad environment ID"}
	}
	if !tests.Contains(body.Test) {
		return core.JobRequest{}, &ValidationError{Message: "Bad test set name"}
	}
	return core.JobRequest{User: body.User, Envo: *body.Envo, Test: body.Test}, nil
}

func fieldErrorMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return "Bad request object"
	}
	switch verrs[0].Field() {
	case "User":
		return "Bad user name"
	case "Envo":
		return "Bad environment ID"
	case "Test":
		return "Bad test set name"
	default:
		return fmt.Sprintf("Bad %s", verrs[0].Field())
	}
}
