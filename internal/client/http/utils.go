package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// extractData decodes the json body of the response into T and applies a custom transformation on it.
func extractData[T, S any](response *http.Response, tranformFunc func(t T) (S, error)) (S, error) {
	var (
		result S
		res    T
	)

	if tranformFunc == nil {
		return result, fmt.Errorf("tranformFunc is missing")
	}

	data, err := io.ReadAll(response.Body)
	if err != nil {
		return result, fmt.Errorf("cannot read response body '%w'", err)
	}

	if err := json.Unmarshal(data, &res); err != nil {
		return result, fmt.Errorf("cannot unmarshal body: '%w'", err)
	}

	// apply custom transformation function on the result
	result, err = tranformFunc(res)
	if err != nil {
		return result, fmt.Errorf("error applying transformation function %w", err)
	}

	return result, nil
}
