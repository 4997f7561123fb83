package main

const (
	exampleDeviceAddress = "aa:bb:cc:dd:ee:ff"
	deviceAddressNote    = "Device address format: 6-byte MAC, colon separated (aa:bb:cc:dd:ee:ff)\n  Without --address, the sensor is discovered by its advertised name\n  Use 'ebikelink scan' to list nearby devices"
)
