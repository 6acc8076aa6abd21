package model

// Wire types of the relay HTTP API.
type (
	JoinRequest struct {
		LogKey HexKey `json:"logKey"`
	}

	AppendRequest struct {
		Entry []byte `json:"entry"`
	}

	AppendResponse struct {
		Index int `json:"index"`
	}

	EntriesResponse struct {
		Entries [][]byte `json:"entries"`
	}

	LengthResponse struct {
		Length int `json:"length"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
	}
)
