package sigfox

// Device is a single entry from GET /devices. Numeric enumerations and
// timestamps come back exactly as the API sends them; normalization into
// display values happens one layer up. Optional fields are pointers so a
// missing field is distinguishable from a zero value.
type Device struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	DeviceType       DeviceTypeRef `json:"deviceType"`
	State            *int          `json:"state"`
	ComState         *int          `json:"comState"`
	LQI              *int          `json:"lqi"`
	LastCom          *int64        `json:"lastCom"`        // epoch milliseconds
	ActivationTime   *int64        `json:"activationTime"` // epoch milliseconds
	CreationTime     *int64        `json:"creationTime"`   // epoch milliseconds
	AutomaticRenewal *bool         `json:"automaticRenewal"`
}

// DeviceTypeRef identifies the device type a device belongs to.
type DeviceTypeRef struct {
	ID string `json:"id"`
}

// Message is a single entry from GET /devices/{id}/messages, most
// recent first.
type Message struct {
	Data      string `json:"data"` // hex-encoded payload
	SeqNumber *int64 `json:"seqNumber"`
	Time      *int64 `json:"time"` // epoch milliseconds
	LQI       *int   `json:"lqi"`
}

type deviceListResponse struct {
	Data   []Device `json:"data"`
	Paging paging   `json:"paging"`
}

type messageListResponse struct {
	Data   []Message `json:"data"`
	Paging paging    `json:"paging"`
}

// paging carries the cursor link for list endpoints. An empty Next
// means the current page is the last one.
type paging struct {
	Next string `json:"next"`
}
