package service_test

import (
	"fmt"

	"github.com/joeycumines/go-gpuchannel/message"
	"github.com/joeycumines/go-gpuchannel/service"
)

func ExampleClassify() {
	for _, msg := range []message.Message{
		message.NewSync(message.RoutingControl, message.TypeNop, nil),
		message.NewSync(message.RoutingControl, message.TypeCreateCommandBuffer, nil),
		message.NewSync(3, message.TypeWaitForTokenInRange, nil),
		message.New(3, message.TypeAsyncFlush, nil),
		{RoutingID: 3, Type: message.TypeUser, Flags: message.FlagReply},
	} {
		fmt.Println(msg.Type, service.Classify(msg))
	}
	// Output:
	// Nop Local
	// CreateCommandBuffer OutOfOrder
	// WaitForTokenInRange OutOfOrder
	// AsyncFlush Scheduled
	// User UnblockOrReply
}
