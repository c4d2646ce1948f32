package configs

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"log"

	"github.com/goccy/go-json"
)

func JToString(v interface{}) string {
	byt, _ := json.Marshal(v)
	return string(byt)
}

func JPrint(v interface{}) {
	byt, _ := json.Marshal(v)
	fmt.Println(string(byt))
}

// AdvisoryKey folds a namespace and a numeric key into the signed 64-bit
// space shared by pg_try_advisory_lock and the memory engine's lock table.
func AdvisoryKey(space string, key uint64) int64 {
	h := fnv.New64a()
	h.Write([]byte(space))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	h.Write(buf[:])
	return int64(h.Sum64())
}

// NamedKey is AdvisoryKey for string-identified locks (guardian tasks,
// per-participant orchestration cycles).
func NamedKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func Assert(cond bool, msg string) bool {
	if EnableAssert && !cond {
		panic("[ERROR] Assert error at " + msg + "\n")
	}
	return cond
}

func Warn(cond bool, msg string) bool {
	if ShowWarnings && !cond {
		if !LogToFile {
			fmt.Print("[WARNING] :" + msg + "\n")
		} else {
			log.Print("[WARNING] :" + msg + "\n")
		}
	}
	return cond
}

func CheckError(err error) {
	if err != nil {
		panic(err.Error())
	}
}
