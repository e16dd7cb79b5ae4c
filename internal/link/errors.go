package link

import "errors"

var (
	ErrConfig       = errors.New("link: invalid configuration")
	ErrIO           = errors.New("link: transport i/o error")
	ErrConversion   = errors.New("link: conversion error")
	ErrNotConnected = errors.New("link: not connected")
	ErrUnsupported  = errors.New("link: connection kind not supported")
)
