// Copyright 2017-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package ninelog

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"
)

func TestFilter(t *testing.T) {
	sink1 := new(bytes.Buffer)
	AddLogger("sink1Level", sink1, DEBUG, false)
	defer DelLogger("sink1Level")

	testString := "test 123"
	testString2 := "test 456"

	Debugln(testString)
	if s1 := sink1.String(); !strings.Contains(s1, testString) {
		t.Fatal("sink1 got:", s1)
	}

	AddFilter("sink1Level", "ninelog_test")
	Debugln(testString2)
	if s1 := sink1.String(); strings.Contains(s1, testString2) {
		t.Fatal("sink1 got:", s1)
	}

	DelFilter("sink1Level", "ninelog_test")
	Debugln(testString2)
	if s1 := sink1.String(); !strings.Contains(s1, testString2) {
		t.Fatal("sink1 got:", s1)
	}
}

func TestMultilog(t *testing.T) {
	sink1 := new(bytes.Buffer)
	sink2 := new(bytes.Buffer)

	AddLogger("sink1", sink1, DEBUG, false)
	AddLogger("sink2", sink2, DEBUG, false)
	defer DelLogger("sink1")
	defer DelLogger("sink2")

	testString := "test 123"
	Debugln(testString)

	if s1 := sink1.String(); !strings.Contains(s1, testString) {
		t.Fatal("sink1 got:", s1)
	}
	if s2 := sink2.String(); !strings.Contains(s2, testString) {
		t.Fatal("sink2 got:", s2)
	}
}

func TestLogLevels(t *testing.T) {
	sink1 := new(bytes.Buffer)
	sink2 := new(bytes.Buffer)

	AddLogger("sink1Level2", sink1, DEBUG, false)
	AddLogger("sink2Level2", sink2, INFO, false)
	defer DelLogger("sink1Level2")
	defer DelLogger("sink2Level2")

	testString := "test 123"
	Debugln(testString)

	if s1 := sink1.String(); !strings.Contains(s1, testString) {
		t.Fatal("sink1 got:", s1)
	}
	if s2 := sink2.String(); len(s2) != 0 {
		t.Fatal("sink2 got:", s2)
	}
}

func TestDelLogger(t *testing.T) {
	sink := new(bytes.Buffer)
	AddLogger("sinkDel", sink, DEBUG, false)

	testString := "test 123"
	testString2 := "test 456"

	Debug(testString)
	s, err := sink.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(s, testString) {
		t.Fatal("sink got:", s)
	}

	DelLogger("sinkDel")
	Debug(testString2)

	s, err = sink.ReadString('\n')
	if err != nil && err != io.EOF {
		t.Fatal(err)
	}
	if len(s) != 0 {
		t.Fatal("sink got:", s)
	}
}

func TestLogAll(t *testing.T) {
	sink := new(bytes.Buffer)
	source := bytes.NewBufferString("line_1\nline_2\nline_3")

	AddLogger("sinkAll", sink, DEBUG, false)
	defer DelLogger("sinkAll")

	LogAll(source, DEBUG, "test")
	time.Sleep(200 * time.Millisecond)

	l1, err := sink.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(l1, "line_1") {
		t.Fatal("sink got:", l1)
	}

	l2, err := sink.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(l2, "line_2") {
		t.Fatal("sink got:", l2)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": DEBUG,
		"info":  INFO,
		"warn":  WARN,
		"error": ERROR,
		"fatal": FATAL,
	}

	for s, want := range cases {
		got, err := ParseLevel(s)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", s, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", s, got, want)
		}
	}

	if _, err := ParseLevel("bogus"); err == nil {
		t.Fatal("expected error for invalid level")
	}
}
