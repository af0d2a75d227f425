package utilities

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

var (
	nodeOnce sync.Once
	node     *snowflake.Node
)

// NewKSUID generates a globally unique KSUID string. Listener connections
// are tagged with one so every log line of a connection can be correlated.
func NewKSUID() string {
	return ksuid.New().String()
}

// NewSnowflakeID generates a time-ordered id for parsed access-log events.
// The node comes from SNOWFLAKE_NODE, default 1. If the node cannot be
// created a KSUID is returned instead.
func NewSnowflakeID() string {
	nodeOnce.Do(func() {
		id, err := strconv.ParseInt(os.Getenv("SNOWFLAKE_NODE"), 10, 64)
		if err != nil {
			id = 1
		}
		node, _ = snowflake.NewNode(id)
	})
	if node == nil {
		return NewKSUID()
	}
	return node.Generate().String()
}
