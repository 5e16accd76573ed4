package httpapi

import (
	"net/http"

	"github.com/glimte/mmate-relay/contracts"
)

// StatusExists is not defined by net/http. 209 is the relay's
// "already exists" answer.
const StatusExists = 209

var statusCodes = map[contracts.Status]int{
	contracts.StatusCreated:             http.StatusOK,
	contracts.StatusExists:              StatusExists,
	contracts.StatusTimeout:             http.StatusRequestTimeout,
	contracts.StatusNotFound:            http.StatusNotFound,
	contracts.StatusError:               http.StatusInternalServerError,
	contracts.StatusInsufficientBalance: http.StatusPaymentRequired,
	contracts.StatusForbidden:           http.StatusForbidden,
}

// StatusCode maps an envelope status to its HTTP code. Unknown and empty
// statuses map to 200.
func StatusCode(status contracts.Status) int {
	if code, ok := statusCodes[status]; ok {
		return code
	}
	return http.StatusOK
}
