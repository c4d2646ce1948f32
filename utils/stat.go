// Package utils carries the measurement helpers shared by the benchmark
// driver.
package utils

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Info is the record of one completed spin: whether it ended in a pairing,
// how long the participant waited for it, and how the date resolved.
type Info struct {
	Matched bool
	Tier    int
	Latency time.Duration
	Outcome string
}

// Stat aggregates spin records for one measurement window.
type Stat struct {
	mu        *sync.Mutex
	infos     []*Info
	beginTS   int
	beginTime time.Time
	endTime   time.Time
}

func NewStat() *Stat {
	return &Stat{
		mu:        &sync.Mutex{},
		infos:     make([]*Info, 0, 1024),
		beginTime: time.Now(),
		endTime:   time.Now(),
	}
}

func (st *Stat) Append(info *Info) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.endTime = time.Now()
	st.infos = append(st.infos, info)
}

// Log prints the window's summary as one key:value; line.
func (st *Stat) Log() {
	st.mu.Lock()
	defer st.mu.Unlock()
	spinCnt, matched := 0, 0
	tierSum := 0
	outcomes := make(map[string]int)
	latencies := make([]int, 0)
	latencySum := 0
	for i := st.beginTS; i < len(st.infos); i++ {
		tmp := st.infos[i]
		spinCnt++
		if tmp.Matched {
			matched++
			tierSum += tmp.Tier
			latencySum += int(tmp.Latency)
			latencies = append(latencies, int(tmp.Latency))
		}
		if tmp.Outcome != "" {
			outcomes[tmp.Outcome]++
		}
	}
	elapsed := st.endTime.Sub(st.beginTime).Seconds()
	msg := "spin_cnt:" + strconv.Itoa(spinCnt) + ";"
	msg += "matched:" + strconv.Itoa(matched) + ";"
	if spinCnt > 0 {
		msg += "match_rate:" + fmt.Sprintf("%.3f", float64(matched)/float64(spinCnt)) + ";"
	} else {
		msg += "match_rate:nil;"
	}
	if elapsed > 0 {
		msg += "pairs_per_sec:" + fmt.Sprintf("%.1f", float64(matched)/elapsed) + ";"
	}
	if matched > 0 {
		msg += "avg_tier:" + fmt.Sprintf("%.2f", float64(tierSum)/float64(matched)) + ";"
	}
	sort.Ints(latencies)
	if len(latencies) > 0 {
		i := Min((len(latencies)*99+99)/100, len(latencies)-1)
		msg += "p99_wait:" + time.Duration(latencies[i]).String() + ";"
		i = Min((len(latencies)*9+9)/10, len(latencies)-1)
		msg += "p90_wait:" + time.Duration(latencies[i]).String() + ";"
		i = Min((len(latencies)+1)/2, len(latencies)-1)
		msg += "p50_wait:" + time.Duration(latencies[i]).String() + ";"
		msg += "ave_wait:" + time.Duration(int64(latencySum)/int64(len(latencies))).String() + ";"
	} else {
		msg += "p99_wait:nil;p90_wait:nil;p50_wait:nil;ave_wait:nil;"
	}
	for _, outcome := range []string{"both_yes", "yes_pass", "pass_pass",
		"yes_idle", "pass_idle", "idle_idle", "cancelled"} {
		if cnt, ok := outcomes[outcome]; ok {
			msg += outcome + ":" + strconv.Itoa(cnt) + ";"
		}
	}
	fmt.Println(msg)
}

// Clear starts a fresh measurement window.
func (st *Stat) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.beginTS = len(st.infos)
	st.beginTime = time.Now()
	st.endTime = st.beginTime
}

func Max(x int, y int) int {
	if x > y {
		return x
	}
	return y
}

func Min(x int, y int) int {
	if x < y {
		return x
	}
	return y
}
