package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsConnector int64
	errorsPipeline  int64
	warnsConnector  int64
	warnsPipeline   int64
	framesRead      int64
	bookUpdates     int64
	tickerUpdates   int64
	opportunities   int64
	sinkWrites      int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "connector") {
		atomic.AddInt64(&warnsConnector, 1)
	} else {
		atomic.AddInt64(&warnsPipeline, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "connector") {
		atomic.AddInt64(&errorsConnector, 1)
	} else {
		atomic.AddInt64(&errorsPipeline, 1)
	}
}

// IncrementFrameRead counts one inbound websocket frame of the given size.
func IncrementFrameRead(venue string, size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel(venue+"_ws", size)
}

// IncrementBookUpdate counts one normalized order book published downstream.
func IncrementBookUpdate() {
	atomic.AddInt64(&bookUpdates, 1)
}

// IncrementTickerUpdate counts one normalized ticker published downstream.
func IncrementTickerUpdate() {
	atomic.AddInt64(&tickerUpdates, 1)
}

// IncrementOpportunity counts one emitted arbitrage opportunity.
func IncrementOpportunity() {
	atomic.AddInt64(&opportunities, 1)
}

// IncrementSinkWrite counts one record written to an opportunity sink.
func IncrementSinkWrite(name string, size int) {
	atomic.AddInt64(&sinkWrites, 1)
	recordChannel(name, size)
}

// RecordChannelMessage tracks message count and byte volume per named channel.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_connector": atomic.LoadInt64(&errorsConnector),
		"errors_pipeline":  atomic.LoadInt64(&errorsPipeline),
		"warns_connector":  atomic.LoadInt64(&warnsConnector),
		"warns_pipeline":   atomic.LoadInt64(&warnsPipeline),
		"frames_read":      atomic.LoadInt64(&framesRead),
		"book_updates":     atomic.LoadInt64(&bookUpdates),
		"ticker_updates":   atomic.LoadInt64(&tickerUpdates),
		"opportunities":    atomic.LoadInt64(&opportunities),
		"sink_writes":      atomic.LoadInt64(&sinkWrites),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"channels":         channelData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsConnector"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_connector"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsPipeline"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_pipeline"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsConnector"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_connector"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("FramesRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["frames_read"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("BookUpdates"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["book_updates"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Opportunities"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["opportunities"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("SinkWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["sink_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
