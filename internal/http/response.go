package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Item is one key/value pair of a scan.
type Item struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
	Items  []Item `json:"items,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewItemsResponse(items []Item) Response {
	return Response{Status: StatusSuccess, Items: items}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
