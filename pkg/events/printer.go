package events

import (
	"fmt"
	"io"

	"github.com/ThreeDotsLabs/watermill/message"
)

// PrinterFunc returns a watermill handler that writes streamed assistant text
// to w as it arrives.
func PrinterFunc(name string, w io.Writer) func(msg *message.Message) error {
	return func(msg *message.Message) error {
		defer msg.Ack()

		e, err := NewEventFromJson(msg.Payload)
		if err != nil {
			return err
		}

		switch p_ := e.(type) {
		case *EventStart:
			if name != "" {
				_, err = fmt.Fprintf(w, "%s: ", name)
			}
		case *EventPartialCompletion:
			_, err = fmt.Fprint(w, p_.Delta)
		case *EventFinal:
			_, err = fmt.Fprintln(w)
		case *EventInterrupt:
			_, err = fmt.Fprintln(w, p_.Marker)
		case *EventError:
			_, err = fmt.Fprintln(w, p_.Marker)
		case *EventTitle:
			_, err = fmt.Fprintf(w, "(title: %s)\n", p_.Title)
		}

		return err
	}
}
