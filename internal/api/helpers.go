package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// decodeJSONBody decodes the JSON request body into v. A missing or empty
// body is not an error since every caller of this helper treats the
// decoded fields as optional.
func decodeJSONBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}
