package cam

import "fmt"

const (
	pmtTableID             = 0x02
	caDescriptorTag        = 0x09
	pmtHeaderSize          = 12
	crcSize                = 4
	descriptorLengthMarker = 0xf0
)

// PmtServiceID returns the program number of a PMT section
func PmtServiceID(pmt []byte) (int, error) {
	if len(pmt) < pmtHeaderSize+crcSize || pmt[0] != pmtTableID {
		return 0, fmt.Errorf("cam: not a PMT section")
	}
	return int(pmt[3])<<8 | int(pmt[4]), nil
}

// BuildCaPmt converts a PMT section into a CA_PMT object body. Only CA
// descriptors are kept; each non empty descriptor group is prefixed by the
// command byte.
func BuildCaPmt(pmt []byte, listManagement byte, command byte) ([]byte, error) {
	if _, err := PmtServiceID(pmt); err != nil {
		return nil, err
	}

	end := 3 + ((int(pmt[1])&0x0f)<<8 | int(pmt[2]))
	if end > len(pmt) || end < pmtHeaderSize+crcSize {
		return nil, fmt.Errorf("cam: PMT section length %d does not match %d bytes", end, len(pmt))
	}
	end -= crcSize

	out := make([]byte, 0, len(pmt))
	out = append(out, listManagement, pmt[3], pmt[4], pmt[5])

	programInfoLength := (int(pmt[10])&0x0f)<<8 | int(pmt[11])
	pos := pmtHeaderSize
	if pos+programInfoLength > end {
		return nil, fmt.Errorf("cam: program info length %d exceeds section", programInfoLength)
	}

	var err error
	out, err = appendCaDescriptors(out, pmt[pos:pos+programInfoLength], command)
	if err != nil {
		return nil, err
	}
	pos += programInfoLength

	for pos < end {
		if pos+5 > end {
			return nil, fmt.Errorf("cam: truncated elementary stream entry")
		}
		esInfoLength := (int(pmt[pos+3])&0x0f)<<8 | int(pmt[pos+4])
		if pos+5+esInfoLength > end {
			return nil, fmt.Errorf("cam: elementary stream info length %d exceeds section", esInfoLength)
		}

		// stream type and pid
		out = append(out, pmt[pos], pmt[pos+1], pmt[pos+2])
		out, err = appendCaDescriptors(out, pmt[pos+5:pos+5+esInfoLength], command)
		if err != nil {
			return nil, err
		}
		pos += 5 + esInfoLength
	}

	return out, nil
}

// appendCaDescriptors appends a two byte length field, then the command and
// the CA descriptors of the loop if there are any
func appendCaDescriptors(out []byte, descriptors []byte, command byte) ([]byte, error) {
	lengthPos := len(out)
	out = append(out, 0, 0)
	start := len(out)

	for len(descriptors) > 0 {
		if len(descriptors) < 2 || int(descriptors[1])+2 > len(descriptors) {
			return nil, fmt.Errorf("cam: truncated descriptor")
		}
		size := int(descriptors[1]) + 2

		if descriptors[0] == caDescriptorTag {
			if len(out) == start {
				out = append(out, command)
			}
			out = append(out, descriptors[:size]...)
		}
		descriptors = descriptors[size:]
	}

	length := len(out) - start
	out[lengthPos] = descriptorLengthMarker | byte(length>>8)
	out[lengthPos+1] = byte(length)
	return out, nil
}
