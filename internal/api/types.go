package api

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

// Info describes the model being served.
type Info struct {
	Recipe     string `json:"recipe"`
	Model      string `json:"model"`
	Checkpoint string `json:"checkpoint,omitempty"`
}

type ModuleInfo struct {
	Path string `json:"path"`
	Type string `json:"type"`
}

type TensorInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// ForwardRequest carries a row-major [Rows, Cols] input. Rows of token ids
// are passed as float values.
type ForwardRequest struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float32 `json:"data"`
}

type ForwardResponse struct {
	ID     string    `json:"id"`
	Object string    `json:"object"`
	Rows   int       `json:"rows"`
	Cols   int       `json:"cols"`
	Data   []float32 `json:"data"`
}
