// Package ftp implements the client side of the file-transfer protocol
// spoken over the telemetry link: a session-oriented, request/response
// binary protocol that streams files off a remote embedded device in
// burst mode, detects out-of-order gaps, and schedules retransmission
// requests until the file is complete.
//
// The engine is single-threaded and poll-driven. Two external stimuli
// drive all progress: inbound frames delivered to HandleFrame, and a
// periodic Tick supplied by the caller's own scheduling loop. The engine
// creates no goroutines and performs no blocking I/O.
//
// Example:
//
//	client := ftp.New(ftp.DefaultSettings(), send)
//	err := client.StartDownload("@PARAM/param.pck", sink.NewBuffer(),
//	    func(s sink.Sink, err error) {
//	        if err != nil {
//	            log.WithError(err).Error("download failed")
//	            return
//	        }
//	        data, _ := s.Contents()
//	        decode(data)
//	    })
//
// Inbound frames and ticks are then fed from the host message pump:
//
//	client.HandleFrame(frame)
//	client.Tick(time.Now())
package ftp
