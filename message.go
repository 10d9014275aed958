package main

import "fmt"

const (
	MsgNoPlate = "No license plates detected. If the photo shows a vehicle, try a closer or sharper shot of its plate."

	MsgSinglePlate = "One license plate detected."

	MsgMultiplePlates = "%d license plates detected."
)

func plateMessage(count int) string {
	switch {
	case count == 0:
		return MsgNoPlate
	case count == 1:
		return MsgSinglePlate
	default:
		return fmt.Sprintf(MsgMultiplePlates, count)
	}
}
