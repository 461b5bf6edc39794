package store

import "fmt"

const (
	recordPrefix  = "record:"
	summaryPrefix = "summary:"
	failurePrefix = "failure:"
	cursorKey     = "state:cursor"
)

func recordKey(id string) []byte  { return []byte(fmt.Sprintf("%s%s", recordPrefix, id)) }
func summaryKey(id string) []byte { return []byte(fmt.Sprintf("%s%s", summaryPrefix, id)) }
func failureKey(id string) []byte { return []byte(fmt.Sprintf("%s%s", failurePrefix, id)) }
