package common

import (
	"crypto/md5"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	NA       = "N/A"
	ENABLED  = "enabled"
	DISABLED = "disabled"
)

var snowflakeNode *snowflake.Node

func init() {
	var err error
	snowflakeNode, err = snowflake.NewNode(int64(os.Getpid()) % 1023)
	if err != nil {
		panic(err)
	}
}

// UUIDint64 returns a snowflake id
func UUIDint64() int64 {
	return snowflakeNode.Generate().Int64()
}

// UUID returns a snowflake id string
func UUID() string {
	return snowflakeNode.Generate().String()
}

func Md5Hash(src string) string {
	h := md5.New()
	h.Write([]byte(src))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// RandomDelay sleeps between min and min+jitter.
func RandomDelay(min, jitter time.Duration) {
	time.Sleep(min + time.Duration(rand.Int63n(int64(jitter))))
}

func IfEmptyStr(src string, defval string) string {
	if src == "" {
		return defval
	}
	return src
}
