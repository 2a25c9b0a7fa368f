package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionMonitorChannel returns the Redis PubSub channel carrying live
// integrity events for proctors watching a test.
func (r *CacheKeyStruct) SessionMonitorChannel(testID string) string {
	return fmt.Sprintf("test:%s:monitor", testID)
}

// SessionResultChannel returns the Redis PubSub channel announcing graded
// sessions for a test.
func (r *CacheKeyStruct) SessionResultChannel(testID string) string {
	return fmt.Sprintf("test:%s:results", testID)
}

var CacheKey = NewCacheKeyStruct()
