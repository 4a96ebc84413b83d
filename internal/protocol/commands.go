package protocol

import "strconv"

// Serial command vocabulary. Every command is sent as one newline terminated line.
const (
	CmdSetThreshold   = "SET_THRESHOLD"
	CmdStartRecording = "START_RECORDING"
	CmdGetSDInfo      = "GET_SD_INFO"
	CmdStatus         = "STATUS"
	CmdGetThreshold   = "GET_THRESHOLD"
	CmdListFiles      = "LIST_FILES"
	CmdGetFile        = "GET_FILE"
	CmdStartStream    = "START_STREAM"
	CmdStopStream     = "STOP_STREAM"
	CmdGetLevel       = "GET_LEVEL"
)

// Frame markers sent by the device.
const (
	MarkerLevel          = "LEVEL:"
	MarkerFileListStart  = "FILE_LIST_START"
	MarkerFileListEnd    = "FILE_LIST_END"
	MarkerFileEntry      = "FILE:"
	MarkerFileDataStart  = "FILE_DATA_START:"
	MarkerFileDataEnd    = "FILE_DATA_END"
	MarkerRecording      = "RECORDING"
	MarkerComplete       = "COMPLETE"
	MarkerUSBDetected    = "5V over USB detected!"
	MarkerThreshold      = "Threshold:"
	MarkerCurrentThresh  = "Current threshold:"
	MarkerUSBPower       = "USB Power:"
	USBPowerConnectedVal = "Connected"
)

// MaxLevel is the upper bound of the 12-bit ADC level and threshold values.
const MaxLevel = 4095

// SetThreshold builds the SET_THRESHOLD command line.
func SetThreshold(value int) string {
	return CmdSetThreshold + ":" + strconv.Itoa(value)
}

// GetFile builds the GET_FILE command line.
func GetFile(path string) string {
	return CmdGetFile + ":" + path
}
