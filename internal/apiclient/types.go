package apiclient

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
}

type textQueryRequest struct {
	Query string `json:"query"`
}

// Entity is a value the assistant extracted from the query, such as a date range or vendor.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// QueryResponse is the assistant's answer to a text query.
type QueryResponse struct {
	ResponseText string   `json:"response_text"`
	Intent       string   `json:"intent,omitempty"`
	Subintent    string   `json:"subintent,omitempty"`
	Entities     []Entity `json:"entities,omitempty"`
	TTSURL       string   `json:"tts_url,omitempty"`
}

// VoiceQueryResponse is the assistant's answer to a recorded voice query.
type VoiceQueryResponse struct {
	Transcript   string `json:"transcript"`
	ResponseText string `json:"response_text"`
	Intent       string `json:"intent,omitempty"`
	TTSURL       string `json:"tts_url,omitempty"`
}

// Document describes an uploaded file as the service filed it.
type Document struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Date     string `json:"date"`
}

type uploadResponse struct {
	Document *Document `json:"document"`
}

type errorBody struct {
	Message string `json:"message"`
}
