package adapter

// Wire shapes of the supported provider payloads.

// graphQLEnvelope is the outer webhook object of a GraphQL-style provider:
// {"webhookId":..,"type":"GRAPHQL","event":{"data":{"block":{..}}}}.
type graphQLEnvelope struct {
	Event *graphQLEvent `json:"event"`
	Data  *graphQLData  `json:"data"`
}

type graphQLEvent struct {
	Network string       `json:"network"`
	Data    *graphQLData `json:"data"`
}

type graphQLData struct {
	Block *graphQLBlock `json:"block"`
}

type graphQLBlock struct {
	Hash   string       `json:"hash"`
	Number quantity     `json:"number"`
	Logs   []graphQLLog `json:"logs"`
}

type graphQLLog struct {
	Data        string              `json:"data"`
	Topics      []string            `json:"topics"`
	Index       quantity            `json:"index"`
	Removed     *bool               `json:"removed"`
	Account     *graphQLAccount     `json:"account"`
	Transaction *graphQLTransaction `json:"transaction"`
}

type graphQLAccount struct {
	Address string `json:"address"`
}

type graphQLTransaction struct {
	Hash  string   `json:"hash"`
	Index quantity `json:"index"`
}

// flatLog is a log object with top-level hex fields, as eth_getLogs returns.
type flatLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     quantity `json:"blockNumber"`
	BlockHash       string   `json:"blockHash"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        quantity `json:"logIndex"`
	Removed         *bool    `json:"removed"`
}

// logsWrapped is {"logs":[...]} or the JSON-RPC style {"result":[...]}.
type logsWrapped struct {
	Logs   []flatLog `json:"logs"`
	Result []flatLog `json:"result"`
}
